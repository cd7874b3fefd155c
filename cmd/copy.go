package cmd

import (
	"context"
	"snapcopy/internal/azure"
	"snapcopy/internal/credential"
	"snapcopy/internal/logger"
	"snapcopy/internal/tracker"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Start copies of recent snapshots (same as -n)",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()
		return runInitiate(cmd)
	},
}

// runInitiate requests read access to every recent snapshot and starts a
// blob copy for each one that is not tracked yet.
func runInitiate(cmd *cobra.Command) error {
	if err := cfg.RequireAccount(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	creds, err := credential.FromEnv(envFile)
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore(st)

	locker, release, err := newLocker(cfg.Lock)
	if err != nil {
		return err
	}
	defer release()

	inventory, err := azure.NewInventory(creds)
	if err != nil {
		return err
	}
	issuer, err := azure.NewAccessIssuer(creds, cfg.Grant)
	if err != nil {
		return err
	}
	resolver, err := azure.NewStorageResolver(ctx, creds, cfg.Destination.SubscriptionID)
	if err != nil {
		return err
	}

	snaps, err := inventory.SnapshotsYoungerThan(ctx, cfg.Grant.MaxAgeDays)
	if err != nil {
		return err
	}
	logger.Log.Info("found recent snapshots",
		zap.Int("count", len(snaps)),
		zap.Int("max_age_days", cfg.Grant.MaxAgeDays))

	metrics := tracker.NewMetrics()
	grants := issuer.IssueBatch(ctx, snaps)
	metrics.RecordGrants(grants)

	t := tracker.New(cfg, st, resolver, azure.NewPromoter(creds), locker, metrics)
	sum, err := t.InitiateCopies(ctx, grants)
	pushMetrics(metrics)
	if err != nil {
		return err
	}

	cmd.Printf("done: %d started, %d skipped, %d failed\n", sum.Initiated, sum.Skipped, sum.Failed)
	return nil
}

func pushMetrics(m *tracker.Metrics) {
	if cfg.Metrics.PushGateway == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Push(ctx, cfg.Metrics.PushGateway, cfg.Metrics.Job); err != nil {
		logger.Log.Warn("failed to push metrics",
			zap.String("gateway", cfg.Metrics.PushGateway),
			zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(copyCmd)
}
