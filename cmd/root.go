package cmd

import (
	"os"
	"snapcopy/internal/config"
	"snapcopy/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfg       *config.Config
	cfgPath   string
	envFile   string
	debug     bool
	checkCopy bool
)

var rootCmd = &cobra.Command{
	Use:   "snapcopy",
	Short: "Replicate managed-disk snapshots to another subscription",
	Long: `snapcopy copies recent managed-disk snapshots into page blobs of a
destination storage account, tracks every copy in a document store and,
once a copy has finished, imports the blob as a snapshot in the destination.

Run with -n to start copies and again with -c to reconcile them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		logger.Init(debug)

		var err error
		cfg, err = config.Load(cfgPath, cmd.Flags())
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

		switch {
		case checkCopy:
			return runReconcile(cmd)
		case cfg.Destination.AccountName != "":
			return runInitiate(cmd)
		default:
			return cmd.Help()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "config file (default ~/.snapcopy/config.yaml)")
	flags.StringVar(&envFile, "env-file", "", "file holding the AZURE_* credentials (default .env)")
	flags.BoolVar(&debug, "debug", false, "Enable debug mode")
	flags.StringP("destination-subscription-id", "i", "", "destination subscription id")
	flags.StringP("destination-account-name", "n", "", "destination storage account name")
	flags.StringP("store-host", "k", "", "document store host")
	flags.String("store-driver", "", "document store driver (elasticsearch, mongo, sqlite, postgres, memory)")

	rootCmd.Flags().BoolVarP(&checkCopy, "check-copy-status", "c", false, "reconcile pending copies instead of starting new ones")
}
