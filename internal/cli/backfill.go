package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ledger-signals/internal/app"
)

var (
	backfillSince  time.Duration
	backfillPages  int
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <address>",
	Short: "Store sub-events from an address's recent history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillPages <= 0 {
			return fmt.Errorf("--pages must be greater than zero")
		}

		return getApp().Backfill(cmd.Context(), app.BackfillOptions{
			Address: args[0],
			Since:   backfillSince,
			Pages:   backfillPages,
			DryRun:  backfillDryRun,
		})
	},
}

func init() {
	backfillCmd.Flags().DurationVar(&backfillSince, "since", 0, "Stop at activity older than this age, e.g. 72h")
	backfillCmd.Flags().IntVar(&backfillPages, "pages", 10, "Maximum discovery pages")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
