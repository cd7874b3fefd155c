// Package tracker drives copy jobs from initiation to promotion.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/azure"
	"snapcopy/internal/config"
	"snapcopy/internal/lock"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"snapcopy/internal/store"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Accounts resolves destination storage accounts.
type Accounts interface {
	Resolve(name string) (azure.Account, error)
	Blobs(ctx context.Context, name string) (azure.Blobs, error)
}

type Promoter interface {
	Promote(ctx context.Context, job *model.CopyJob, sourceURI string) (string, error)
}

var ErrNotPromotable = errors.New("copy job cannot be promoted")

type result string

const (
	resultInitiated result = "initiated"
	resultSkipped   result = "skipped"
	resultFailed    result = "failed"
)

// Summary reports what a pass did.
type Summary struct {
	Initiated     int
	Skipped       int
	Failed        int
	Completed     int
	Pending       int
	Promoted      int
	PromoteFailed int
}

func (s *Summary) add(r result) {
	switch r {
	case resultInitiated:
		s.Initiated++
	case resultSkipped:
		s.Skipped++
	case resultFailed:
		s.Failed++
	}
}

type Tracker struct {
	cfg      *config.Config
	store    store.Store
	accounts Accounts
	promoter Promoter
	locker   lock.Locker
	metrics  *Metrics
	now      func() time.Time
}

func New(cfg *config.Config, st store.Store, accounts Accounts, promoter Promoter, locker lock.Locker, metrics *Metrics) *Tracker {
	if locker == nil {
		locker = lock.Noop{}
	}

	return &Tracker{
		cfg:      cfg,
		store:    st,
		accounts: accounts,
		promoter: promoter,
		locker:   locker,
		metrics:  metrics,
		now:      time.Now,
	}
}

// InitiateCopies starts a copy for every issued grant whose snapshot is not
// tracked yet. Only destination errors abort the pass; anything that goes
// wrong with a single snapshot is logged and the snapshot is skipped.
func (t *Tracker) InitiateCopies(ctx context.Context, grants []model.Grant) (Summary, error) {
	var sum Summary
	log := logger.Log.With(zap.String("run_id", uuid.NewString()), zap.String("pass", "initiate"))

	dst := t.cfg.Destination
	account, err := t.accounts.Resolve(dst.AccountName)
	if err != nil {
		return sum, err
	}

	blobs, err := t.accounts.Blobs(ctx, dst.AccountName)
	if err != nil {
		return sum, fmt.Errorf("failed to open blob service of %s: %w", dst.AccountName, err)
	}
	if err := blobs.EnsureContainer(ctx, dst.Container); err != nil {
		return sum, err
	}

	dest := model.Destination{
		SubscriptionID: dst.SubscriptionID,
		AccountName:    account.Name,
		Container:      dst.Container,
		Location:       account.Location,
		ResourceGroup:  account.ResourceGroup,
	}
	b := &batch{
		log:   log,
		blobs: blobs,
		dest:  dest,
		epoch: t.now().Unix(),
		seen:  make(map[string]string),
	}

	for _, g := range grants {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		r := t.initiate(ctx, b, g)
		t.metrics.candidate(r)
		sum.add(r)
	}

	log.Info("initiate pass finished",
		zap.Int("initiated", sum.Initiated),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

type batch struct {
	log   *zap.Logger
	blobs azure.Blobs
	dest  model.Destination
	epoch int64
	// blob name -> snapshot that claimed it
	seen map[string]string
}

func (t *Tracker) initiate(ctx context.Context, b *batch, g model.Grant) result {
	log := b.log.With(zap.String("snapshot", g.Snapshot.Name), zap.String("service", g.Snapshot.Service()))

	if g.State != model.GrantIssued {
		log.Warn("no read uri for snapshot", zap.String("grant", string(g.State)), zap.Error(g.Err))
		return resultFailed
	}

	job, err := model.NewCopyJob(g, b.dest, b.epoch)
	if err != nil {
		log.Warn("snapshot cannot be copied", zap.Error(err))
		return resultSkipped
	}

	unlock, err := t.locker.Lock(ctx, job.Key())
	if errors.Is(err, lock.ErrLocked) {
		log.Info("copy is being initiated elsewhere")
		return resultSkipped
	}
	if err != nil {
		log.Error("failed to lock snapshot", zap.Error(err))
		return resultFailed
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release lock", zap.Error(err))
		}
	}()

	_, err = t.store.Get(ctx, job.Service, job.Name)
	switch {
	case err == nil:
		log.Debug("snapshot already tracked")
		return resultSkipped
	case !errors.Is(err, store.ErrNotFound):
		log.Error("failed to look up copy job", zap.Error(err))
		return resultFailed
	}

	if other, ok := b.seen[job.DestBlob]; ok {
		log.Warn("blob name already used in this batch", zap.String("blob", job.DestBlob), zap.String("claimed_by", other))
		return resultSkipped
	}

	copyID, err := b.blobs.StartCopy(ctx, b.dest.Container, job.DestBlob, g.URI, job.Tags)
	if err != nil {
		log.Error("failed to start copy", zap.Error(err))
		return resultFailed
	}
	b.seen[job.DestBlob] = job.Name
	job.Start(t.now())

	if err := t.store.Create(ctx, job); err != nil {
		if derr := b.blobs.DiscardCopy(context.WithoutCancel(ctx), b.dest.Container, job.DestBlob, copyID); derr != nil {
			log.Error("failed to discard untracked copy", zap.String("blob", job.DestBlob), zap.Error(derr))
		}
		if errors.Is(err, store.ErrAlreadyExists) {
			log.Info("copy job created concurrently", zap.String("blob", job.DestBlob))
			return resultSkipped
		}
		log.Error("failed to persist copy job", zap.Error(err))
		return resultFailed
	}

	log.Info("copy started", zap.String("blob", job.DestBlob), zap.String("account", job.DestStorageAccount))
	return resultInitiated
}

// ReconcilePending checks every pending job against the blob service,
// records the ones that finished and promotes the successful ones.
func (t *Tracker) ReconcilePending(ctx context.Context) (Summary, error) {
	var sum Summary
	log := logger.Log.With(zap.String("run_id", uuid.NewString()), zap.String("pass", "reconcile"))

	if err := t.store.Refresh(ctx); err != nil {
		return sum, fmt.Errorf("failed to refresh store: %w", err)
	}

	jobs, err := t.store.Scan(ctx, model.CopyPending)
	if err != nil {
		return sum, fmt.Errorf("failed to scan pending jobs: %w", err)
	}
	log.Info("reconciling pending copies", zap.Int("count", len(jobs)))

	services := make(map[string]azure.Blobs)
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		jlog := log.With(zap.String("service", job.Service), zap.String("snapshot", job.Name))

		blobs, ok := services[job.DestStorageAccount]
		if !ok {
			blobs, err = t.accounts.Blobs(ctx, job.DestStorageAccount)
			if err != nil {
				jlog.Error("failed to open blob service", zap.String("account", job.DestStorageAccount), zap.Error(err))
				sum.Failed++
				continue
			}
			services[job.DestStorageAccount] = blobs
		}

		t.reconcile(ctx, jlog, blobs, job, &sum)
	}

	log.Info("reconcile pass finished",
		zap.Int("completed", sum.Completed),
		zap.Int("pending", sum.Pending),
		zap.Int("promoted", sum.Promoted),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

func (t *Tracker) reconcile(ctx context.Context, log *zap.Logger, blobs azure.Blobs, job *model.CopyJob, sum *Summary) {
	res, err := blobs.CopyStatus(ctx, job.DestContainer, job.DestBlob)
	switch {
	case errors.Is(err, azure.ErrBlobNotFound):
		log.Warn("destination blob is gone", zap.String("blob", job.DestBlob))
		if err := job.Fail(t.now()); err != nil {
			log.Error("failed to fail copy job", zap.Error(err))
			sum.Failed++
			return
		}
	case err != nil:
		log.Error("failed to query copy status", zap.String("blob", job.DestBlob), zap.Error(err))
		sum.Failed++
		return
	case res == nil:
		now := t.now()
		if timeout := t.cfg.Copy.Timeout; timeout <= 0 || now.Sub(job.CopyStartTime) <= timeout {
			sum.Pending++
			return
		}
		if err := job.TimeOut(now); err != nil {
			log.Error("failed to time out copy", zap.Error(err))
			sum.Failed++
			return
		}
	default:
		if err := job.Complete(res.Status, res.SizeBytes, res.LastModified); err != nil {
			log.Error("failed to complete copy job", zap.Error(err))
			sum.Failed++
			return
		}
	}

	if err := t.store.Put(ctx, job); err != nil {
		log.Error("failed to record copy result", zap.String("status", string(job.Status)), zap.Error(err))
		sum.Failed++
		return
	}
	sum.Completed++
	t.metrics.completed(job)

	if job.Status != model.CopySuccess {
		log.Warn("copy finished unsuccessfully", zap.String("status", string(job.Status)), zap.String("blob", job.DestBlob))
		return
	}
	log.Info("copy succeeded",
		zap.String("blob", job.DestBlob),
		zap.Int64("bytes", *job.BlobSizeBytes),
		zap.Float64("seconds", *job.CopySeconds))

	t.promote(ctx, log, blobs, job, sum)
}

func (t *Tracker) promote(ctx context.Context, log *zap.Logger, blobs azure.Blobs, job *model.CopyJob, sum *Summary) {
	name, err := t.promoter.Promote(ctx, job, blobs.BlobURL(job.DestContainer, job.DestBlob))
	if err != nil {
		t.metrics.promoted(false)
		log.Error("failed to promote copied blob", zap.String("blob", job.DestBlob), zap.Error(err))
		sum.PromoteFailed++
		return
	}
	t.metrics.promoted(true)
	sum.Promoted++

	job.PromotedSnapshot = name
	if err := t.store.Put(ctx, job); err != nil {
		log.Warn("failed to record promoted snapshot", zap.String("promoted", name), zap.Error(err))
	}

	if err := blobs.DeleteBlob(ctx, job.DestContainer, job.DestBlob); err != nil {
		log.Warn("failed to delete promoted blob", zap.String("blob", job.DestBlob), zap.Error(err))
		return
	}
	log.Info("snapshot promoted", zap.String("promoted", name))
}

// Promote retries the promotion of a successful copy that has no promoted
// snapshot yet. It returns the name of the new snapshot.
func (t *Tracker) Promote(ctx context.Context, service, name string) (string, error) {
	log := logger.Log.With(zap.String("run_id", uuid.NewString()), zap.String("pass", "promote"),
		zap.String("service", service), zap.String("snapshot", name))

	job, err := t.store.Get(ctx, service, name)
	if err != nil {
		return "", err
	}
	if job.Status != model.CopySuccess {
		return "", fmt.Errorf("%s is %s: %w", job.Key(), job.Status, ErrNotPromotable)
	}
	if job.PromotedSnapshot != "" {
		return "", fmt.Errorf("%s already promoted to %s: %w", job.Key(), job.PromotedSnapshot, ErrNotPromotable)
	}

	blobs, err := t.accounts.Blobs(ctx, job.DestStorageAccount)
	if err != nil {
		return "", fmt.Errorf("failed to open blob service of %s: %w", job.DestStorageAccount, err)
	}

	var sum Summary
	t.promote(ctx, log, blobs, job, &sum)
	if sum.Promoted == 0 {
		return "", fmt.Errorf("promotion of %s failed; see log", job.Key())
	}
	return job.PromotedSnapshot, nil
}
