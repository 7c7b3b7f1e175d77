package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/ragvault/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingestion workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.NewApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer application.Close()

		log.Info("ragvault is running", "port", cfg.Port)
		if err := application.Run(ctx); err != nil {
			return err
		}
		log.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
