package tracker

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/azure"
	"snapcopy/internal/config"
	"snapcopy/internal/lock"
	"snapcopy/internal/model"
	"snapcopy/internal/store"
	"snapcopy/internal/store/memory"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type startedCopy struct {
	source   string
	metadata map[string]string
}

type fakeBlobs struct {
	containers []string
	copies     map[string]startedCopy
	status     map[string]*azure.CopyResult
	startErr   map[string]error
	deleted    []string
	discarded  []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		copies:   make(map[string]startedCopy),
		status:   make(map[string]*azure.CopyResult),
		startErr: make(map[string]error),
	}
}

func (f *fakeBlobs) EnsureContainer(_ context.Context, container string) error {
	f.containers = append(f.containers, container)
	return nil
}

func (f *fakeBlobs) StartCopy(_ context.Context, _, name, source string, metadata map[string]string) (string, error) {
	if err := f.startErr[name]; err != nil {
		return "", err
	}
	f.copies[name] = startedCopy{source: source, metadata: metadata}
	return "copy-" + name, nil
}

func (f *fakeBlobs) CopyStatus(_ context.Context, _, name string) (*azure.CopyResult, error) {
	if _, ok := f.copies[name]; !ok {
		return nil, fmt.Errorf("%s: %w", name, azure.ErrBlobNotFound)
	}
	return f.status[name], nil
}

func (f *fakeBlobs) DiscardCopy(_ context.Context, _, name, copyID string) error {
	f.discarded = append(f.discarded, name+"@"+copyID)
	delete(f.copies, name)
	return nil
}

func (f *fakeBlobs) DeleteBlob(_ context.Context, _, name string) error {
	f.deleted = append(f.deleted, name)
	delete(f.copies, name)
	return nil
}

func (f *fakeBlobs) BlobURL(container, name string) string {
	return fmt.Sprintf("https://backupacct.blob.core.windows.net/%s/%s", container, name)
}

type fakeAccounts struct {
	blobs *fakeBlobs
}

func (f *fakeAccounts) Resolve(name string) (azure.Account, error) {
	if name != "backupacct" {
		return azure.Account{}, fmt.Errorf("%s: %w", name, azure.ErrUnknownAccount)
	}
	return azure.Account{Name: name, Location: "westus2", ResourceGroup: "backup-rg"}, nil
}

func (f *fakeAccounts) Blobs(_ context.Context, name string) (azure.Blobs, error) {
	if _, err := f.Resolve(name); err != nil {
		return nil, err
	}
	return f.blobs, nil
}

type fakePromoter struct {
	sources []string
	err     error
}

func (f *fakePromoter) Promote(_ context.Context, job *model.CopyJob, source string) (string, error) {
	f.sources = append(f.sources, source)
	if f.err != nil {
		return "", f.err
	}
	return job.PromotedSnapshotName(), nil
}

type env struct {
	tracker  *Tracker
	store    store.Store
	blobs    *fakeBlobs
	promoter *fakePromoter
	clock    time.Time
}

func newEnv(t *testing.T, st store.Store) *env {
	if st == nil {
		db, err := memory.New()
		require.NoError(t, err)
		st = db
	}

	cfg := config.Default
	cfg.Destination.SubscriptionID = "dest-sub"
	cfg.Destination.AccountName = "backupacct"
	cfg.Copy.Timeout = 72 * time.Hour

	e := &env{
		store:    st,
		blobs:    newFakeBlobs(),
		promoter: &fakePromoter{},
		clock:    epoch,
	}
	e.tracker = New(&cfg, st, &fakeAccounts{blobs: e.blobs}, e.promoter, lock.Noop{}, NewMetrics())
	e.tracker.now = func() time.Time { return e.clock }
	return e
}

func grant(name, vm, mount string) model.Grant {
	return model.Grant{
		Snapshot: model.SnapshotRecord{
			Name:          name,
			ResourceGroup: "source-rg",
			Tags: map[string]string{
				model.TagService:    "billing",
				model.TagVMName:     vm,
				model.TagMountPoint: mount,
			},
		},
		State:       model.GrantIssued,
		URI:         "https://md-" + name + ".blob.core.windows.net/abcd?sv=secret",
		RequestedAt: epoch.Add(-time.Minute),
		ResolvedAt:  epoch.Add(-50 * time.Second),
	}
}

func TestInitiateAndReconcile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	blob := model.BlobName("vm1", "data", epoch.Unix())

	sum, err := e.tracker.InitiateCopies(ctx, []model.Grant{grant("S1", "vm1", "data")})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Initiated)
	assert.Equal(t, []string{"snapshots"}, e.blobs.containers)
	require.Contains(t, e.blobs.copies, blob)
	assert.Equal(t, "billing", e.blobs.copies[blob].metadata[model.TagService])

	job, err := e.store.Get(ctx, "billing", "S1")
	require.NoError(t, err)
	assert.Equal(t, model.CopyPending, job.Status)
	assert.Equal(t, blob, job.DestBlob)
	assert.Equal(t, "backup-rg", job.DestResourceGroup)
	assert.Equal(t, "dest-sub", job.DestSubscriptionID)
	assert.Equal(t, epoch, job.CopyStartTime)

	t.Run("second initiation is a no-op", func(t *testing.T) {
		e.clock = epoch.Add(time.Hour)
		sum, err := e.tracker.InitiateCopies(ctx, []model.Grant{grant("S1", "vm1", "data")})
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Initiated)
		assert.Equal(t, 1, sum.Skipped)
		assert.Len(t, e.blobs.copies, 1)
	})

	t.Run("pending copy is left alone", func(t *testing.T) {
		sum, err := e.tracker.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Pending)

		job, err := e.store.Get(ctx, "billing", "S1")
		require.NoError(t, err)
		assert.Equal(t, model.CopyPending, job.Status)
		assert.Nil(t, job.CopyEndTime)
	})

	t.Run("successful copy is recorded and promoted", func(t *testing.T) {
		e.blobs.status[blob] = &azure.CopyResult{
			Status:       model.CopySuccess,
			SizeBytes:    1048576,
			LastModified: epoch.Add(90*time.Second + 250*time.Millisecond),
		}

		sum, err := e.tracker.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Completed)
		assert.Equal(t, 1, sum.Promoted)

		job, err := e.store.Get(ctx, "billing", "S1")
		require.NoError(t, err)
		assert.Equal(t, model.CopySuccess, job.Status)
		require.NotNil(t, job.BlobSizeBytes)
		assert.Equal(t, int64(1048576), *job.BlobSizeBytes)
		require.NotNil(t, job.CopySeconds)
		assert.InDelta(t, 90.25, *job.CopySeconds, 1e-9)
		assert.Equal(t, fmt.Sprintf("vm1-data-%d", epoch.Unix()), job.PromotedSnapshot)

		assert.Equal(t, []string{e.blobs.BlobURL("snapshots", blob)}, e.promoter.sources)
		assert.Equal(t, []string{blob}, e.blobs.deleted)
		assert.Equal(t, 1.0, testutil.ToFloat64(e.tracker.metrics.transitions.WithLabelValues("success")))
	})

	t.Run("terminal job is not revisited", func(t *testing.T) {
		sum, err := e.tracker.ReconcilePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, Summary{}, sum)
		assert.Len(t, e.promoter.sources, 1)
	})
}

func TestReconcileUnsuccessfulCopies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.tracker.InitiateCopies(ctx, []model.Grant{
		grant("S1", "vm1", "data"),
		grant("S2", "vm2", "data"),
		grant("S3", "vm3", "logs"),
	})
	require.NoError(t, err)

	e.blobs.status[model.BlobName("vm1", "data", epoch.Unix())] = &azure.CopyResult{
		Status:       model.CopyFailed,
		SizeBytes:    512,
		LastModified: epoch.Add(time.Minute),
	}
	e.blobs.status[model.BlobName("vm2", "data", epoch.Unix())] = &azure.CopyResult{
		Status:       model.CopyAborted,
		LastModified: epoch.Add(2 * time.Minute),
	}
	e.clock = epoch.Add(73 * time.Hour)

	sum, err := e.tracker.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 0, sum.Promoted)
	assert.Empty(t, e.promoter.sources)
	assert.Empty(t, e.blobs.deleted)

	for name, want := range map[string]model.CopyStatus{
		"S1": model.CopyFailed,
		"S2": model.CopyAborted,
		"S3": model.CopyTimedOut,
	} {
		job, err := e.store.Get(ctx, "billing", name)
		require.NoError(t, err)
		assert.Equal(t, want, job.Status, name)
		assert.NotNil(t, job.CopyEndTime, name)
	}

	pending, err := e.store.Scan(ctx, model.CopyPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcileMissingBlob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	blob := model.BlobName("vm1", "data", epoch.Unix())

	_, err := e.tracker.InitiateCopies(ctx, []model.Grant{grant("S1", "vm1", "data")})
	require.NoError(t, err)

	delete(e.blobs.copies, blob)
	e.clock = epoch.Add(30 * 24 * time.Hour)

	sum, err := e.tracker.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 0, sum.Failed)

	job, err := e.store.Get(ctx, "billing", "S1")
	require.NoError(t, err)
	assert.Equal(t, model.CopyFailed, job.Status)
	require.NotNil(t, job.CopyEndTime)
	assert.Equal(t, e.clock, *job.CopyEndTime)
	assert.Nil(t, job.BlobSizeBytes)
	assert.Empty(t, e.promoter.sources)

	sum, err = e.tracker.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestPromotionFailureKeepsStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.promoter.err = errors.New("quota exceeded")
	blob := model.BlobName("vm1", "data", epoch.Unix())

	_, err := e.tracker.InitiateCopies(ctx, []model.Grant{grant("S1", "vm1", "data")})
	require.NoError(t, err)
	e.blobs.status[blob] = &azure.CopyResult{Status: model.CopySuccess, LastModified: epoch.Add(time.Minute)}

	sum, err := e.tracker.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 0, sum.Promoted)
	assert.Equal(t, 1, sum.PromoteFailed)

	job, err := e.store.Get(ctx, "billing", "S1")
	require.NoError(t, err)
	assert.Equal(t, model.CopySuccess, job.Status)
	assert.Empty(t, job.PromotedSnapshot)
	assert.Empty(t, e.blobs.deleted)

	t.Run("retry while still failing", func(t *testing.T) {
		_, err := e.tracker.Promote(ctx, "billing", "S1")
		assert.Error(t, err)
		assert.Empty(t, e.blobs.deleted)
	})

	t.Run("retry promotes and cleans up", func(t *testing.T) {
		e.promoter.err = nil

		name, err := e.tracker.Promote(ctx, "billing", "S1")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("vm1-data-%d", epoch.Unix()), name)
		assert.Equal(t, []string{blob}, e.blobs.deleted)

		job, err := e.store.Get(ctx, "billing", "S1")
		require.NoError(t, err)
		assert.Equal(t, name, job.PromotedSnapshot)
	})

	t.Run("promoted job is not promoted again", func(t *testing.T) {
		_, err := e.tracker.Promote(ctx, "billing", "S1")
		assert.ErrorIs(t, err, ErrNotPromotable)
		assert.Len(t, e.promoter.sources, 3)
	})
}

func TestPromoteRejectsUnfinishedCopy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.tracker.InitiateCopies(ctx, []model.Grant{grant("S1", "vm1", "data")})
	require.NoError(t, err)

	_, err = e.tracker.Promote(ctx, "billing", "S1")
	assert.ErrorIs(t, err, ErrNotPromotable)

	_, err = e.tracker.Promote(ctx, "billing", "S9")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, e.promoter.sources)
}

func TestInitiateSkips(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	untagged := grant("S4", "vm4", "data")
	delete(untagged.Snapshot.Tags, model.TagMountPoint)

	timedOut := grant("S5", "vm5", "data")
	timedOut.State = model.GrantTimedOut
	timedOut.URI = ""

	broken := grant("S6", "vm6", "data")
	e.blobs.startErr[model.BlobName("vm6", "data", epoch.Unix())] = errors.New("source unreachable")

	sum, err := e.tracker.InitiateCopies(ctx, []model.Grant{
		grant("S1", "vm1", "data"),
		grant("S2", "vm1", "data"),
		untagged,
		timedOut,
		broken,
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Initiated: 1, Skipped: 2, Failed: 2}, sum)

	_, err = e.store.Get(ctx, "billing", "S2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.store.Get(ctx, "billing", "S6")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, e.blobs.copies, 1)
}

func TestInitiateUnknownAccount(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.cfg.Destination.AccountName = "elsewhere"

	_, err := e.tracker.InitiateCopies(context.Background(), []model.Grant{grant("S1", "vm1", "data")})
	assert.ErrorIs(t, err, azure.ErrUnknownAccount)
	assert.Empty(t, e.blobs.copies)
}

// racingStore hides existing jobs from Get, as if another invocation
// created them between the lookup and the create.
type racingStore struct {
	store.Store
}

func (racingStore) Get(context.Context, string, string) (*model.CopyJob, error) {
	return nil, store.ErrNotFound
}

func TestInitiateLosesRace(t *testing.T) {
	ctx := context.Background()
	db, err := memory.New()
	require.NoError(t, err)

	existing := &model.CopyJob{Service: "billing", Name: "S1", Status: model.CopyPending, DestBlob: "vm1-data-1.vhd"}
	require.NoError(t, db.Create(ctx, existing))

	e := newEnv(t, racingStore{Store: db})
	sum, err := e.tracker.InitiateCopies(ctx, []model.Grant{grant("S1", "vm1", "data")})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)

	blob := model.BlobName("vm1", "data", epoch.Unix())
	assert.Equal(t, []string{blob + "@copy-" + blob}, e.blobs.discarded)
	assert.Empty(t, e.blobs.copies)

	job, err := db.Get(ctx, "billing", "S1")
	require.NoError(t, err)
	assert.Equal(t, "vm1-data-1.vhd", job.DestBlob)
}

type heldLocker struct{}

func (heldLocker) Lock(context.Context, string) (lock.UnlockFunc, error) {
	return nil, lock.ErrLocked
}

func TestInitiateLocked(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.locker = heldLocker{}

	sum, err := e.tracker.InitiateCopies(context.Background(), []model.Grant{grant("S1", "vm1", "data")})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, e.blobs.copies)
}
