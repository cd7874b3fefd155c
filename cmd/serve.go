package cmd

import (
	"context"
	"snapcopy/internal/logger"
	"snapcopy/internal/server"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve copy job records and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore(st)

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv := server.New(st, port)
		srv.Start()

		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

		logger.Log.Info("shutting down audit server")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()

		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Log.Warn("failed to stop audit server", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 9090, "listen port")
	rootCmd.AddCommand(serveCmd)
}
