package azure

import (
	"context"
	"fmt"
	"snapcopy/internal/credential"
	"snapcopy/internal/model"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
)

type snapshotCreator interface {
	BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, snapshotName string, snapshot armcompute.Snapshot, options *armcompute.SnapshotsClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.SnapshotsClientCreateOrUpdateResponse], error)
}

// Promoter imports a copied page blob as a managed-disk snapshot in the
// job's destination subscription.
type Promoter struct {
	mu        sync.Mutex
	clients   map[string]snapshotCreator
	newClient func(subscriptionID string) (snapshotCreator, error)
}

func NewPromoter(p *credential.Provider) *Promoter {
	return &Promoter{
		clients: make(map[string]snapshotCreator),
		newClient: func(subscriptionID string) (snapshotCreator, error) {
			return armcompute.NewSnapshotsClient(subscriptionID, p.TokenCredential(), nil)
		},
	}
}

func (p *Promoter) client(subscriptionID string) (snapshotCreator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[subscriptionID]; ok {
		return c, nil
	}
	c, err := p.newClient(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots client for %s: %w", subscriptionID, err)
	}
	p.clients[subscriptionID] = c
	return c, nil
}

// Promote creates the snapshot and waits for it to be provisioned. It
// returns the name of the new snapshot.
func (p *Promoter) Promote(ctx context.Context, job *model.CopyJob, sourceURI string) (string, error) {
	c, err := p.client(job.DestSubscriptionID)
	if err != nil {
		return "", err
	}

	name := job.PromotedSnapshotName()
	poller, err := c.BeginCreateOrUpdate(ctx, job.DestResourceGroup, name, PromotedSnapshot(job, sourceURI), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot %s: %w", name, err)
	}

	res, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("snapshot %s was not provisioned: %w", name, err)
	}
	if res.Name != nil {
		name = *res.Name
	}
	return name, nil
}

// PromotedSnapshot is the resource definition imported from the job's blob.
func PromotedSnapshot(job *model.CopyJob, sourceURI string) armcompute.Snapshot {
	return armcompute.Snapshot{
		Location: new(job.DestLocation),
		Tags:     pointerMap(job.Tags),
		Properties: &armcompute.SnapshotProperties{
			CreationData: &armcompute.CreationData{
				CreateOption:     new(armcompute.DiskCreateOptionImport),
				SourceURI:        new(sourceURI),
				StorageAccountID: new(StorageAccountID(job.DestSubscriptionID, job.DestResourceGroup, job.DestStorageAccount)),
			},
		},
	}
}
