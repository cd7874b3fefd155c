package cmd

import (
	"encoding/json"
	"fmt"
	"snapcopy/internal/azure"
	"snapcopy/internal/credential"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"snapcopy/internal/tracker"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	jobsStatus string
	output     string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect tracked copy jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List copy jobs, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore(st)

		ctx, cancel := signalContext()
		defer cancel()

		jobs, err := st.Scan(ctx, model.CopyStatus(jobsStatus))
		if err != nil {
			return err
		}

		if len(jobs) == 0 && output == "" {
			cmd.Println("no copy jobs")
			return nil
		}
		return printJobs(cmd, jobs)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [service] [snapshot]",
	Short: "Show one copy job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore(st)

		ctx, cancel := signalContext()
		defer cancel()

		job, err := st.Get(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJobs(cmd, []*model.CopyJob{job})
	},
}

var jobsPromoteCmd = &cobra.Command{
	Use:   "promote [service] [snapshot]",
	Short: "Retry promoting a successful copy into a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

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

		t := tracker.New(cfg, st, resolver, azure.NewPromoter(creds), nil, nil)
		name, err := t.Promote(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		cmd.Printf("promoted %s/%s to %s\n", args[0], args[1], name)
		return nil
	},
}

func printJobs(cmd *cobra.Command, jobs []*model.CopyJob) error {
	switch output {
	case "":
		tw := table.NewWriter()
		tw.Style().Options.DrawBorder = false
		tw.Style().Options.SeparateColumns = false
		tw.Style().Options.SeparateFooter = false
		tw.Style().Options.SeparateHeader = false
		tw.Style().Options.SeparateRows = false
		tw.AppendHeader(table.Row{
			"SERVICE",
			"SNAPSHOT",
			"STATUS",
			"BLOB",
			"ACCOUNT",
			"STARTED",
			"SECONDS",
			"PROMOTED",
		})
		for _, j := range jobs {
			seconds := "-"
			if j.CopySeconds != nil {
				seconds = fmt.Sprintf("%.1f", *j.CopySeconds)
			}
			tw.AppendRow(table.Row{
				j.Service,
				j.Name,
				j.Status,
				j.DestBlob,
				j.DestStorageAccount,
				j.CopyStartTime.Format(time.RFC3339),
				seconds,
				j.PromotedSnapshot,
			})
		}
		cmd.Printf("%s\n", tw.Render())
	case "json":
		out, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		cmd.Println(string(out))
	case "yaml":
		out, err := yaml.Marshal(jobs)
		if err != nil {
			return fmt.Errorf("marshal YAML: %w", err)
		}
		cmd.Println(string(out))
	default:
		return fmt.Errorf("unknown output format: %s", output)
	}

	return nil
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "output format: json or yaml")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "only jobs in this status")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsPromoteCmd)
	rootCmd.AddCommand(jobsCmd)
}
