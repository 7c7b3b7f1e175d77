package main

import (
	"github.com/spf13/cobra"

	"github.com/markdave123-py/ragvault/internal/app"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Apply the database schema and create the storage bucket, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return app.Bootstrap(commandContext(cmd), cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}
