package azure

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/config"
	"snapcopy/internal/credential"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"go.uber.org/zap"
)

// AsyncGrant is an in-flight read-access request.
type AsyncGrant interface {
	// Poll advances the request once. uri is set when done is true.
	Poll(ctx context.Context) (done bool, uri string, err error)
}

type grantAPI interface {
	BeginGrantAccess(ctx context.Context, resourceGroupName string, snapshotName string, grantAccessData armcompute.GrantAccessData, options *armcompute.SnapshotsClientBeginGrantAccessOptions) (*runtime.Poller[armcompute.SnapshotsClientGrantAccessResponse], error)
}

type pollerGrant struct {
	poller *runtime.Poller[armcompute.SnapshotsClientGrantAccessResponse]
}

func (g *pollerGrant) Poll(ctx context.Context) (bool, string, error) {
	if !g.poller.Done() {
		if _, err := g.poller.Poll(ctx); err != nil {
			return false, "", err
		}
		if !g.poller.Done() {
			return false, "", nil
		}
	}

	res, err := g.poller.Result(ctx)
	if err != nil {
		return false, "", err
	}
	if res.AccessSAS == nil || *res.AccessSAS == "" {
		return false, "", errors.New("grant completed without an access uri")
	}
	return true, *res.AccessSAS, nil
}

// AccessIssuer turns snapshots into time-limited read URIs.
type AccessIssuer struct {
	cfg     config.GrantConfig
	request func(ctx context.Context, resourceGroup, name string, expirySeconds int32) (AsyncGrant, error)
	now     func() time.Time
}

func NewAccessIssuer(p *credential.Provider, cfg config.GrantConfig) (*AccessIssuer, error) {
	client, err := armcompute.NewSnapshotsClient(p.SubscriptionID, p.TokenCredential(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots client: %w", err)
	}

	return newAccessIssuer(client, cfg), nil
}

func newAccessIssuer(api grantAPI, cfg config.GrantConfig) *AccessIssuer {
	i := &AccessIssuer{cfg: cfg, now: time.Now}
	i.request = func(ctx context.Context, rg, name string, expirySeconds int32) (AsyncGrant, error) {
		poller, err := api.BeginGrantAccess(ctx, rg, name, armcompute.GrantAccessData{
			Access:            new(armcompute.AccessLevelRead),
			DurationInSeconds: new(expirySeconds),
		}, nil)
		if err != nil {
			return nil, err
		}
		return &pollerGrant{poller: poller}, nil
	}
	return i
}

// RequestReadURI submits a read-access request without waiting for it.
func (i *AccessIssuer) RequestReadURI(ctx context.Context, resourceGroup, name string, expirySeconds int32) (AsyncGrant, error) {
	return i.request(ctx, resourceGroup, name, expirySeconds)
}

// IssueBatch requests a read URI for every eligible snapshot and waits until
// each request is resolved or the configured timeout elapses. Snapshots
// older than the configured age are not returned.
func (i *AccessIssuer) IssueBatch(ctx context.Context, snaps []model.SnapshotRecord) []model.Grant {
	eligible := YoungerThan(snaps, i.cfg.MaxAgeDays, i.now())
	grants := make([]model.Grant, len(eligible))
	handles := make([]AsyncGrant, len(eligible))

	for idx, snap := range eligible {
		g := &grants[idx]
		g.Snapshot = snap
		g.State = model.GrantPending
		g.RequestedAt = i.now().UTC()

		h, err := i.RequestReadURI(ctx, snap.ResourceGroup, snap.Name, int32(i.cfg.ExpirySeconds))
		if err != nil {
			i.resolve(g, model.GrantFailed, "", err)
			logger.Log.Warn("failed to request read access", zap.String("snapshot", snap.Name), zap.Error(err))
			continue
		}
		handles[idx] = h
	}

	i.await(ctx, grants, handles)
	return grants
}

func (i *AccessIssuer) await(ctx context.Context, grants []model.Grant, handles []AsyncGrant) {
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	for {
		remaining := 0
		for idx := range grants {
			g := &grants[idx]
			if g.Resolved() {
				continue
			}

			done, uri, err := handles[idx].Poll(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				remaining++
			case err != nil:
				i.resolve(g, model.GrantFailed, "", err)
				logger.Log.Warn("read access request failed", zap.String("snapshot", g.Snapshot.Name), zap.Error(err))
			case done:
				i.resolve(g, model.GrantIssued, uri, nil)
			default:
				remaining++
			}
		}

		if remaining == 0 {
			logger.Log.Info("read access requests resolved", zap.Int("count", len(grants)))
			return
		}

		logger.Log.Debug("waiting for read access", zap.Int("remaining", remaining))
		select {
		case <-ctx.Done():
			for idx := range grants {
				if g := &grants[idx]; !g.Resolved() {
					i.resolve(g, model.GrantTimedOut, "", ctx.Err())
				}
			}
			logger.Log.Warn("gave up waiting for read access", zap.Int("unresolved", remaining), zap.Error(ctx.Err()))
			return
		case <-time.After(i.cfg.PollInterval):
		}
	}
}

func (i *AccessIssuer) resolve(g *model.Grant, state model.GrantState, uri string, err error) {
	g.State = state
	g.URI = uri
	g.Err = err
	g.ResolvedAt = i.now().UTC()
}
