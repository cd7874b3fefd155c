package cmd

import (
	"snapcopy/internal/azure"
	"snapcopy/internal/credential"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	maxAgeDays int
	olderThan  int
	dryRun     bool
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and prune source snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots in the source subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

		ctx, cancel := signalContext()
		defer cancel()

		inventory, err := newInventory()
		if err != nil {
			return err
		}

		var snaps []model.SnapshotRecord
		if maxAgeDays > 0 {
			snaps, err = inventory.SnapshotsYoungerThan(ctx, maxAgeDays)
		} else {
			snaps, err = inventory.ListSnapshots(ctx)
		}
		if err != nil {
			return err
		}

		printSnapshots(cmd, snaps)
		return nil
	},
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete source snapshots older than a number of days",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

		ctx, cancel := signalContext()
		defer cancel()

		inventory, err := newInventory()
		if err != nil {
			return err
		}

		days := cfg.Prune.OlderThanDays
		if cmd.Flags().Changed("older-than") {
			days = olderThan
		}

		snaps, err := inventory.PruneOlderThan(ctx, days, dryRun)
		if err != nil {
			return err
		}

		printSnapshots(cmd, snaps)
		if dryRun {
			cmd.Printf("%d snapshots would be deleted\n", len(snaps))
		} else {
			cmd.Printf("%d snapshots deleted\n", len(snaps))
		}
		return nil
	},
}

func newInventory() (*azure.Inventory, error) {
	creds, err := credential.FromEnv(envFile)
	if err != nil {
		return nil, err
	}
	return azure.NewInventory(creds)
}

func printSnapshots(cmd *cobra.Command, snaps []model.SnapshotRecord) {
	if len(snaps) == 0 {
		cmd.Println("no snapshots")
		return
	}

	now := time.Now()
	tw := table.NewWriter()
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false
	tw.Style().Options.SeparateFooter = false
	tw.Style().Options.SeparateHeader = false
	tw.Style().Options.SeparateRows = false
	tw.AppendHeader(table.Row{"NAME", "SERVICE", "RESOURCE GROUP", "LOCATION", "SIZE (GB)", "AGE (DAYS)", "CREATED"})
	for _, s := range snaps {
		tw.AppendRow(table.Row{
			s.Name,
			s.Service(),
			s.ResourceGroup,
			s.Location,
			s.SizeGB,
			s.AgeDays(now),
			s.CreatedAt.Format(time.RFC3339),
		})
	}
	cmd.Printf("%s\n", tw.Render())
}

func init() {
	snapshotsListCmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "only snapshots younger than this many days")
	snapshotsPruneCmd.Flags().IntVar(&olderThan, "older-than", 3, "delete snapshots older than this many days")
	snapshotsPruneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list what would be deleted")

	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsPruneCmd)
	rootCmd.AddCommand(snapshotsCmd)
}
