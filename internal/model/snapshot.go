package model

import (
	"time"
)

const (
	TagService    = "service"
	TagVMName     = "vm_name"
	TagMountPoint = "mount_point"
	TagDiskName   = "disk_name"
)

const day = 24 * time.Hour

// SnapshotRecord is a managed-disk snapshot as listed by the source
// subscription.
type SnapshotRecord struct {
	Name          string            `json:"name"`
	ID            string            `json:"id"`
	ResourceGroup string            `json:"resource_group"`
	Location      string            `json:"location"`
	SKU           string            `json:"snapshot_type"`
	CreatedAt     time.Time         `json:"snapshot_time"`
	SizeGB        int32             `json:"disk_size_in_gb"`
	Tags          map[string]string `json:"tags"`
}

// AgeDays returns the age in whole days, truncating any partial day.
func (s SnapshotRecord) AgeDays(now time.Time) int {
	return int(now.Sub(s.CreatedAt) / day)
}

func (s SnapshotRecord) Service() string {
	return s.Tags[TagService]
}
