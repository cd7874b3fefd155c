package cmd

import (
	"snapcopy/internal/azure"
	"snapcopy/internal/credential"
	"snapcopy/internal/logger"
	"snapcopy/internal/tracker"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Reconcile pending copies and promote finished ones (same as -c)",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()
		return runReconcile(cmd)
	},
}

func runReconcile(cmd *cobra.Command) error {
	if err := cfg.RequireDestination(); err != nil {
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

	resolver, err := azure.NewStorageResolver(ctx, creds, cfg.Destination.SubscriptionID)
	if err != nil {
		return err
	}

	metrics := tracker.NewMetrics()
	t := tracker.New(cfg, st, resolver, azure.NewPromoter(creds), nil, metrics)
	sum, err := t.ReconcilePending(ctx)
	pushMetrics(metrics)
	if err != nil {
		return err
	}

	cmd.Printf("done: %d finished, %d promoted, %d still pending, %d failed\n",
		sum.Completed, sum.Promoted, sum.Pending, sum.Failed)
	if sum.PromoteFailed > 0 {
		cmd.Printf("%d promotions failed; retry with 'snapcopy jobs promote SERVICE SNAPSHOT'\n", sum.PromoteFailed)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
