package model_test

import (
	"snapcopy/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuedGrant(name string, tags map[string]string) model.Grant {
	requested := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.Grant{
		Snapshot: model.SnapshotRecord{
			Name:          name,
			ResourceGroup: "source-rg",
			Tags:          tags,
		},
		State:       model.GrantIssued,
		URI:         "https://md-abc.blob.core.windows.net/abc/abcd?sv=secret",
		RequestedAt: requested,
		ResolvedAt:  requested.Add(3 * time.Second),
	}
}

var dest = model.Destination{
	SubscriptionID: "dest-sub",
	AccountName:    "backupacct",
	Container:      "snapshots",
	Location:       "westus2",
	ResourceGroup:  "backup-rg",
}

func TestBlobName(t *testing.T) {
	assert.Equal(t, "vm1-data-1700000000.vhd", model.BlobName("vm1", "data", 1700000000))
	assert.Equal(t, model.BlobName("vm1", "data", 42), model.BlobName("vm1", "data", 42))
	assert.NotEqual(t, model.BlobName("vm1", "data", 42), model.BlobName("vm1", "data", 43))
}

func TestNewCopyJob(t *testing.T) {
	t.Run("derives identity and destination", func(t *testing.T) {
		tags := map[string]string{"service": "svc", "vm_name": "vm1", "mount_point": "data"}
		job, err := model.NewCopyJob(issuedGrant("S1", tags), dest, 1700000000)
		require.NoError(t, err)

		assert.Equal(t, "svc", job.Service)
		assert.Equal(t, "S1", job.Name)
		assert.Equal(t, "vm1-data-1700000000.vhd", job.DestBlob)
		assert.Equal(t, "backupacct", job.DestStorageAccount)
		assert.Equal(t, "snapshots", job.DestContainer)
		assert.Equal(t, "dest-sub", job.DestSubscriptionID)
		assert.Equal(t, "westus2", job.DestLocation)
		assert.Equal(t, "backup-rg", job.DestResourceGroup)
		assert.Equal(t, "source-rg", job.SourceResourceGroup)
		assert.Equal(t, 3*time.Second, job.SASGenerateEndTime.Sub(job.SASGenerateStartTime))

		tags["service"] = "mutated"
		assert.Equal(t, "svc", job.Tags["service"])
	})

	t.Run("requires naming tags", func(t *testing.T) {
		_, err := model.NewCopyJob(issuedGrant("S2", map[string]string{"service": "svc", "vm_name": "vm1"}), dest, 1)
		assert.ErrorIs(t, err, model.ErrMissingTag)

		_, err = model.NewCopyJob(issuedGrant("S3", nil), dest, 1)
		assert.ErrorIs(t, err, model.ErrMissingTag)
	})
}

func TestCopyJobLifecycle(t *testing.T) {
	tags := map[string]string{"service": "svc", "vm_name": "vm1", "mount_point": "data"}
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("complete computes fractional duration", func(t *testing.T) {
		job, err := model.NewCopyJob(issuedGrant("S1", tags), dest, 1)
		require.NoError(t, err)
		job.Start(start)
		assert.Equal(t, model.CopyPending, job.Status)

		require.NoError(t, job.Complete(model.CopySuccess, 4096, start.Add(90*time.Second+250*time.Millisecond)))
		assert.Equal(t, model.CopySuccess, job.Status)
		assert.Equal(t, int64(4096), *job.BlobSizeBytes)
		assert.InDelta(t, 90.25, *job.CopySeconds, 1e-9)
		assert.Equal(t, start.Add(90*time.Second+250*time.Millisecond), *job.CopyEndTime)
	})

	t.Run("terminal status is sticky", func(t *testing.T) {
		job, err := model.NewCopyJob(issuedGrant("S1", tags), dest, 1)
		require.NoError(t, err)
		job.Start(start)

		require.NoError(t, job.Complete(model.CopyFailed, 10, start.Add(time.Minute)))
		assert.ErrorIs(t, job.Complete(model.CopySuccess, 10, start.Add(2*time.Minute)), model.ErrTerminal)
		assert.ErrorIs(t, job.TimeOut(start.Add(time.Hour)), model.ErrTerminal)
		assert.Equal(t, model.CopyFailed, job.Status)
	})

	t.Run("pending is not a completion", func(t *testing.T) {
		job, err := model.NewCopyJob(issuedGrant("S1", tags), dest, 1)
		require.NoError(t, err)
		job.Start(start)

		assert.Error(t, job.Complete(model.CopyPending, 0, start))
		assert.Equal(t, model.CopyPending, job.Status)
	})

	t.Run("timeout records elapsed time", func(t *testing.T) {
		job, err := model.NewCopyJob(issuedGrant("S1", tags), dest, 1)
		require.NoError(t, err)
		job.Start(start)

		require.NoError(t, job.TimeOut(start.Add(2*time.Hour)))
		assert.Equal(t, model.CopyTimedOut, job.Status)
		assert.Nil(t, job.BlobSizeBytes)
		assert.InDelta(t, 7200, *job.CopySeconds, 1e-9)
	})

	t.Run("fail without a result", func(t *testing.T) {
		job, err := model.NewCopyJob(issuedGrant("S1", tags), dest, 1)
		require.NoError(t, err)
		job.Start(start)

		require.NoError(t, job.Fail(start.Add(time.Hour)))
		assert.Equal(t, model.CopyFailed, job.Status)
		assert.Nil(t, job.BlobSizeBytes)
		assert.InDelta(t, 3600, *job.CopySeconds, 1e-9)
		assert.ErrorIs(t, job.Fail(start.Add(2*time.Hour)), model.ErrTerminal)
	})
}

func TestPromotedSnapshotName(t *testing.T) {
	job := &model.CopyJob{DestBlob: "vm1-data-77.vhd", Epoch: 77, Tags: map[string]string{}}
	assert.Equal(t, "vm1-data-77", job.PromotedSnapshotName())

	job.Tags[model.TagDiskName] = "vm1-datadisk"
	assert.Equal(t, "vm1-datadisk-77", job.PromotedSnapshotName())
}

func TestClone(t *testing.T) {
	size := int64(5)
	job := &model.CopyJob{Service: "svc", Name: "S1", Tags: map[string]string{"a": "1"}, BlobSizeBytes: &size}

	c := job.Clone()
	c.Tags["a"] = "2"
	*c.BlobSizeBytes = 6

	assert.Equal(t, "1", job.Tags["a"])
	assert.Equal(t, int64(5), *job.BlobSizeBytes)
}

func TestSnapshotAgeDays(t *testing.T) {
	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, model.SnapshotRecord{CreatedAt: now.Add(-23 * time.Hour)}.AgeDays(now))
	assert.Equal(t, 1, model.SnapshotRecord{CreatedAt: now.Add(-25 * time.Hour)}.AgeDays(now))
	assert.Equal(t, 3, model.SnapshotRecord{CreatedAt: now.Add(-95 * time.Hour)}.AgeDays(now))
}
