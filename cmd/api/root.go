package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/ragvault/internal/config"
	"github.com/markdave123-py/ragvault/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:          "ragvault",
	Short:        "Document ingestion and vector retrieval service",
	SilenceUsage: true,
}

// loadConfig reads the environment and builds the logger for it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.LogLevel, os.Stdout), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
