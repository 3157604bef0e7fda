package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/bioface/internal/registry"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned embeddings and expired events",
	Run: func(cmd *cobra.Command, args []string) {
		days := Cfg.Retention.Days
		if cmd.Flags().Changed("retention-days") {
			days = cleanupDays
		}

		res, err := registry.Cleanup(cmd.Context(), DB, days, time.Now())
		if err != nil {
			utils.Die("Cleanup failed", err, nil)
		}
		fmt.Printf("🧹 Removed %d orphaned embedding(s)\n", res.Orphans)
		if days > 0 {
			fmt.Printf("🧹 Removed %d event(s) older than %d days\n", res.Events, days)
		}
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "retention-days", 0, "Delete events older than this many days, 0 keeps all (default: $DATA_RETENTION_DAYS)")
	rootCmd.AddCommand(cleanupCmd)
}
