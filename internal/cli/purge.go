package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var purgeOlderThan string

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired dedup ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var olderThan *time.Time
		if purgeOlderThan != "" {
			cutoff, err := time.Parse(time.RFC3339, purgeOlderThan)
			if err != nil {
				return fmt.Errorf("invalid --older-than value: %w", err)
			}
			olderThan = &cutoff
		}
		return getApp().PurgeDedupEvents(cmd.Context(), olderThan)
	},
}

func init() {
	purgeCmd.Flags().StringVar(&purgeOlderThan, "older-than", "", "Delete entries created before this timestamp (RFC3339, defaults to now minus the dedup TTL)")
}
