// Package testcases contains testcases for the copy job store. Every backend
// runs the same cases against its own implementation.
package testcases

import (
	"context"
	"snapcopy/internal/model"
	"snapcopy/internal/store"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// NewJob returns a pending job whose service and name are unique to the
// running test.
func NewJob(t *testing.T, name string) *model.CopyJob {
	return &model.CopyJob{
		Service:              serviceFor(t),
		Name:                 serviceFor(t) + "-" + name,
		Tags:                 map[string]string{"service": serviceFor(t), "vm_name": "vm1", "mount_point": "data"},
		SourceResourceGroup:  "source-rg",
		Epoch:                1709287200,
		SASGenerateStartTime: startedAt.Add(-time.Minute),
		SASGenerateEndTime:   startedAt.Add(-30 * time.Second),
		DestBlob:             model.BlobName("vm1", "data", 1709287200),
		DestStorageAccount:   "backupacct",
		DestContainer:        "snapshots",
		DestSubscriptionID:   "dest-sub",
		DestLocation:         "westus2",
		DestResourceGroup:    "backup-rg",
		Status:               model.CopyPending,
		CopyStartTime:        startedAt,
	}
}

func serviceFor(t *testing.T) string {
	return strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
}

// RunGetCreateTest runs the Get and Create tests for the given store.
func RunGetCreateTest(t *testing.T, st store.Store) {
	t.Run("get missing job test", func(t *testing.T) {
		_, err := st.Get(context.Background(), serviceFor(t), "absent")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("create then get test", func(t *testing.T) {
		ctx := context.Background()
		job := NewJob(t, "S1")

		require.NoError(t, st.Create(ctx, job))

		got, err := st.Get(ctx, job.Service, job.Name)
		require.NoError(t, err)
		assert.Equal(t, job.Service, got.Service)
		assert.Equal(t, job.Name, got.Name)
		assert.Equal(t, job.Tags, got.Tags)
		assert.Equal(t, job.DestBlob, got.DestBlob)
		assert.Equal(t, job.DestResourceGroup, got.DestResourceGroup)
		assert.Equal(t, model.CopyPending, got.Status)
		assert.WithinDuration(t, job.CopyStartTime, got.CopyStartTime, time.Millisecond)
		assert.Nil(t, got.CopyEndTime)
		assert.Nil(t, got.BlobSizeBytes)
	})

	t.Run("create is conditional test", func(t *testing.T) {
		ctx := context.Background()
		job := NewJob(t, "S1")

		require.NoError(t, st.Create(ctx, job))

		dup := NewJob(t, "S1")
		dup.DestBlob = "other.vhd"
		assert.ErrorIs(t, st.Create(ctx, dup), store.ErrAlreadyExists)

		got, err := st.Get(ctx, job.Service, job.Name)
		require.NoError(t, err)
		assert.Equal(t, job.DestBlob, got.DestBlob)
	})

	t.Run("returned jobs are copies test", func(t *testing.T) {
		ctx := context.Background()
		job := NewJob(t, "S1")
		require.NoError(t, st.Create(ctx, job))

		got, err := st.Get(ctx, job.Service, job.Name)
		require.NoError(t, err)
		got.Status = model.CopyFailed
		got.Tags["vm_name"] = "changed"

		again, err := st.Get(ctx, job.Service, job.Name)
		require.NoError(t, err)
		assert.Equal(t, model.CopyPending, again.Status)
		assert.Equal(t, "vm1", again.Tags["vm_name"])
	})
}

// RunPutTest runs the Put tests for the given store.
func RunPutTest(t *testing.T, st store.Store) {
	t.Run("put replaces the whole job test", func(t *testing.T) {
		ctx := context.Background()
		job := NewJob(t, "S1")
		require.NoError(t, st.Create(ctx, job))

		require.NoError(t, job.Complete(model.CopySuccess, 1234, startedAt.Add(90*time.Second)))
		job.PromotedSnapshot = "vm1-data-1709287200"
		require.NoError(t, st.Put(ctx, job))

		got, err := st.Get(ctx, job.Service, job.Name)
		require.NoError(t, err)
		assert.Equal(t, model.CopySuccess, got.Status)
		require.NotNil(t, got.BlobSizeBytes)
		assert.Equal(t, int64(1234), *got.BlobSizeBytes)
		require.NotNil(t, got.CopySeconds)
		assert.InDelta(t, 90, *got.CopySeconds, 1e-6)
		require.NotNil(t, got.CopyEndTime)
		assert.WithinDuration(t, startedAt.Add(90*time.Second), *got.CopyEndTime, time.Millisecond)
		assert.Equal(t, "vm1-data-1709287200", got.PromotedSnapshot)
	})

	t.Run("put inserts a missing job test", func(t *testing.T) {
		ctx := context.Background()
		job := NewJob(t, "S2")

		require.NoError(t, st.Put(ctx, job))

		got, err := st.Get(ctx, job.Service, job.Name)
		require.NoError(t, err)
		assert.Equal(t, job.DestBlob, got.DestBlob)
	})
}

// RunScanTest runs the Scan tests for the given store.
func RunScanTest(t *testing.T, st store.Store) {
	t.Run("scan by status test", func(t *testing.T) {
		ctx := context.Background()

		for _, name := range []string{"S1", "S2", "S3"} {
			require.NoError(t, st.Create(ctx, NewJob(t, name)))
		}

		done := NewJob(t, "S3")
		require.NoError(t, done.Complete(model.CopyFailed, 0, startedAt.Add(time.Minute)))
		require.NoError(t, st.Put(ctx, done))
		require.NoError(t, st.Refresh(ctx))

		pending, err := st.Scan(ctx, model.CopyPending)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"S1", "S2"}, namesFor(t, pending))

		failed, err := st.Scan(ctx, model.CopyFailed)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"S3"}, namesFor(t, failed))

		all, err := st.Scan(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"S1", "S2", "S3"}, namesFor(t, all))
	})
}

// namesFor keeps only the jobs written by the current test, since stores
// backed by a shared server accumulate documents across runs.
func namesFor(t *testing.T, jobs []*model.CopyJob) []string {
	var names []string
	for _, job := range jobs {
		if job.Service == serviceFor(t) {
			names = append(names, strings.TrimPrefix(job.Name, serviceFor(t)+"-"))
		}
	}

	return names
}
