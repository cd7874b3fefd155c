package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type CopyStatus string

// Success, Failed and Aborted mirror the blob service copy states; TimedOut is
// assigned locally when a copy stays pending past the configured deadline.
const (
	CopyPending  CopyStatus = "pending"
	CopySuccess  CopyStatus = "success"
	CopyFailed   CopyStatus = "failed"
	CopyAborted  CopyStatus = "aborted"
	CopyTimedOut CopyStatus = "timeout"
)

func (s CopyStatus) IsTerminal() bool {
	return s != "" && s != CopyPending
}

var (
	ErrTerminal   = errors.New("copy job already in a terminal state")
	ErrMissingTag = errors.New("snapshot is missing a required tag")
)

// Destination is where a batch of copies lands.
type Destination struct {
	SubscriptionID string
	AccountName    string
	Container      string
	Location       string
	ResourceGroup  string
}

// CopyJob is the persisted record of one snapshot copy. (Service, Name) is
// the identity; at most one job exists per snapshot.
type CopyJob struct {
	Service string `json:"service" bson:"service" gorm:"primaryKey;size:128"`
	Name    string `json:"name" bson:"name" gorm:"primaryKey;size:255"`

	Tags                map[string]string `json:"tags" bson:"tags" gorm:"serializer:json;type:text"`
	SourceResourceGroup string            `json:"resource_group" bson:"resource_group"`
	Epoch               int64             `json:"epoch" bson:"epoch"`

	SASGenerateStartTime time.Time `json:"sas_generate_start_time" bson:"sas_generate_start_time"`
	SASGenerateEndTime   time.Time `json:"sas_generate_end_time" bson:"sas_generate_end_time"`

	DestBlob           string `json:"dest_blob" bson:"dest_blob"`
	DestStorageAccount string `json:"dest_storage_account" bson:"dest_storage_account"`
	DestContainer      string `json:"dest_container" bson:"dest_container"`
	DestSubscriptionID string `json:"dest_subscription_id" bson:"dest_subscription_id"`
	DestLocation       string `json:"dest_location" bson:"dest_location"`
	DestResourceGroup  string `json:"dest_resource_group" bson:"dest_resource_group"`

	Status        CopyStatus `json:"snapshot_copy_status" bson:"snapshot_copy_status" gorm:"index;size:32;not null"`
	CopyStartTime time.Time  `json:"snapshot_copy_start_time" bson:"snapshot_copy_start_time"`
	CopyEndTime   *time.Time `json:"snapshot_copy_end_time,omitempty" bson:"snapshot_copy_end_time,omitempty"`
	BlobSizeBytes *int64     `json:"snapshot_blob_size_in_bytes,omitempty" bson:"snapshot_blob_size_in_bytes,omitempty"`
	CopySeconds   *float64   `json:"snapshot_copy_time_in_seconds,omitempty" bson:"snapshot_copy_time_in_seconds,omitempty"`

	PromotedSnapshot string `json:"promoted_snapshot,omitempty" bson:"promoted_snapshot,omitempty"`
}

func (CopyJob) TableName() string {
	return "copy_jobs"
}

// BlobName derives the destination page blob name for a snapshot copy.
func BlobName(vmName, mountPoint string, epoch int64) string {
	return fmt.Sprintf("%s-%s-%d.vhd", vmName, mountPoint, epoch)
}

// NewCopyJob builds the pending record for an issued grant. The grant URI is
// deliberately not carried over.
func NewCopyJob(grant Grant, dest Destination, epoch int64) (*CopyJob, error) {
	snap := grant.Snapshot
	for _, tag := range []string{TagService, TagVMName, TagMountPoint} {
		if snap.Tags[tag] == "" {
			return nil, fmt.Errorf("%s: %q: %w", snap.Name, tag, ErrMissingTag)
		}
	}

	tags := make(map[string]string, len(snap.Tags))
	for k, v := range snap.Tags {
		tags[k] = v
	}

	return &CopyJob{
		Service:              snap.Tags[TagService],
		Name:                 snap.Name,
		Tags:                 tags,
		SourceResourceGroup:  snap.ResourceGroup,
		Epoch:                epoch,
		SASGenerateStartTime: grant.RequestedAt,
		SASGenerateEndTime:   grant.ResolvedAt,
		DestBlob:             BlobName(snap.Tags[TagVMName], snap.Tags[TagMountPoint], epoch),
		DestStorageAccount:   dest.AccountName,
		DestContainer:        dest.Container,
		DestSubscriptionID:   dest.SubscriptionID,
		DestLocation:         dest.Location,
		DestResourceGroup:    dest.ResourceGroup,
	}, nil
}

func (j *CopyJob) Key() string {
	return j.Service + "/" + j.Name
}

// Start marks the copy as pending from the given instant.
func (j *CopyJob) Start(at time.Time) {
	j.Status = CopyPending
	j.CopyStartTime = at.UTC()
}

// Complete records a terminal copy state reported by the blob service.
// Terminal states are sticky.
func (j *CopyJob) Complete(status CopyStatus, sizeBytes int64, lastModified time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%s is %s: %w", j.Key(), j.Status, ErrTerminal)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("%s: cannot complete with status %q", j.Key(), status)
	}

	j.finish(status, lastModified)
	j.BlobSizeBytes = &sizeBytes
	return nil
}

// TimeOut gives up on a copy that never left the pending state.
func (j *CopyJob) TimeOut(at time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%s is %s: %w", j.Key(), j.Status, ErrTerminal)
	}

	j.finish(CopyTimedOut, at)
	return nil
}

// Fail records a copy whose destination blob disappeared before it
// reported a result.
func (j *CopyJob) Fail(at time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%s is %s: %w", j.Key(), j.Status, ErrTerminal)
	}

	j.finish(CopyFailed, at)
	return nil
}

func (j *CopyJob) finish(status CopyStatus, end time.Time) {
	end = end.UTC()
	seconds := end.Sub(j.CopyStartTime).Seconds()

	j.Status = status
	j.CopyEndTime = &end
	j.CopySeconds = &seconds
}

// PromotedSnapshotName is the name given to the snapshot materialized from
// the copied blob.
func (j *CopyJob) PromotedSnapshotName() string {
	if disk := j.Tags[TagDiskName]; disk != "" {
		return fmt.Sprintf("%s-%d", disk, j.Epoch)
	}

	return strings.TrimSuffix(j.DestBlob, ".vhd")
}

// Clone returns a deep copy so stores never share state with callers.
func (j *CopyJob) Clone() *CopyJob {
	if j == nil {
		return nil
	}

	c := *j
	if j.Tags != nil {
		c.Tags = make(map[string]string, len(j.Tags))
		for k, v := range j.Tags {
			c.Tags[k] = v
		}
	}
	if j.CopyEndTime != nil {
		c.CopyEndTime = new(*j.CopyEndTime)
	}
	if j.BlobSizeBytes != nil {
		c.BlobSizeBytes = new(*j.BlobSizeBytes)
	}
	if j.CopySeconds != nil {
		c.CopySeconds = new(*j.CopySeconds)
	}

	return &c
}
