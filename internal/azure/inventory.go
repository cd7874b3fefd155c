package azure

import (
	"context"
	"fmt"
	"snapcopy/internal/credential"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"go.uber.org/zap"
)

type snapshotsAPI interface {
	NewListPager(options *armcompute.SnapshotsClientListOptions) *runtime.Pager[armcompute.SnapshotsClientListResponse]
	BeginDelete(ctx context.Context, resourceGroupName string, snapshotName string, options *armcompute.SnapshotsClientBeginDeleteOptions) (*runtime.Poller[armcompute.SnapshotsClientDeleteResponse], error)
}

// Inventory enumerates the managed-disk snapshots of the source
// subscription.
type Inventory struct {
	snapshots snapshotsAPI
	now       func() time.Time
}

func NewInventory(p *credential.Provider) (*Inventory, error) {
	client, err := armcompute.NewSnapshotsClient(p.SubscriptionID, p.TokenCredential(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots client: %w", err)
	}

	return &Inventory{snapshots: client, now: time.Now}, nil
}

// ListSnapshots returns every snapshot in the subscription.
func (i *Inventory) ListSnapshots(ctx context.Context) ([]model.SnapshotRecord, error) {
	var records []model.SnapshotRecord

	pager := i.snapshots.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}

		for _, s := range page.Value {
			if s == nil {
				continue
			}
			rec, err := snapshotRecord(s)
			if err != nil {
				logger.Log.Warn("skipping snapshot", zap.String("name", value(s.Name)), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

func (i *Inventory) SnapshotsYoungerThan(ctx context.Context, maxAgeDays int) ([]model.SnapshotRecord, error) {
	snaps, err := i.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return YoungerThan(snaps, maxAgeDays, i.now()), nil
}

func (i *Inventory) SnapshotsOlderThan(ctx context.Context, days int) ([]model.SnapshotRecord, error) {
	snaps, err := i.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return OlderThan(snaps, days, i.now()), nil
}

// PruneOlderThan deletes source snapshots older than days whole days and
// returns the ones removed, or that would be removed when dryRun is set.
// A failed delete is logged and does not stop the rest.
func (i *Inventory) PruneOlderThan(ctx context.Context, days int, dryRun bool) ([]model.SnapshotRecord, error) {
	old, err := i.SnapshotsOlderThan(ctx, days)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return old, nil
	}

	var deleted []model.SnapshotRecord
	for _, snap := range old {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if err := i.deleteSnapshot(ctx, snap); err != nil {
			logger.Log.Error("failed to delete snapshot",
				zap.String("name", snap.Name),
				zap.String("resource_group", snap.ResourceGroup),
				zap.Error(err))
			continue
		}

		logger.Log.Info("deleted snapshot",
			zap.String("name", snap.Name),
			zap.Int("age_days", snap.AgeDays(i.now())))
		deleted = append(deleted, snap)
	}

	return deleted, nil
}

func (i *Inventory) deleteSnapshot(ctx context.Context, snap model.SnapshotRecord) error {
	poller, err := i.snapshots.BeginDelete(ctx, snap.ResourceGroup, snap.Name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

// YoungerThan keeps the snapshots whose whole-day age is below maxAgeDays.
func YoungerThan(snaps []model.SnapshotRecord, maxAgeDays int, now time.Time) []model.SnapshotRecord {
	var out []model.SnapshotRecord
	for _, s := range snaps {
		if s.AgeDays(now) < maxAgeDays {
			out = append(out, s)
		}
	}
	return out
}

// OlderThan keeps the snapshots whose whole-day age exceeds days.
func OlderThan(snaps []model.SnapshotRecord, days int, now time.Time) []model.SnapshotRecord {
	var out []model.SnapshotRecord
	for _, s := range snaps {
		if s.AgeDays(now) > days {
			out = append(out, s)
		}
	}
	return out
}

func snapshotRecord(s *armcompute.Snapshot) (model.SnapshotRecord, error) {
	id := value(s.ID)
	rg, err := resourceGroupFromID(id)
	if err != nil {
		return model.SnapshotRecord{}, err
	}

	rec := model.SnapshotRecord{
		Name:          value(s.Name),
		ID:            id,
		ResourceGroup: strings.ToLower(rg),
		Location:      value(s.Location),
		Tags:          stringMap(s.Tags),
	}
	if s.SKU != nil {
		rec.SKU = string(value(s.SKU.Name))
	}
	if s.Properties != nil {
		rec.CreatedAt = value(s.Properties.TimeCreated)
		rec.SizeGB = value(s.Properties.DiskSizeGB)
	}

	return rec, nil
}
