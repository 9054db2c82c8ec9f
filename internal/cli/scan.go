package cli

import (
	"time"

	"github.com/spf13/cobra"

	"ledger-signals/internal/app"
)

var (
	scanPages       int
	scanPageSize    int
	scanConcurrency int
	scanSince       time.Duration
	scanPretty      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <address>",
	Short: "Scan recent activity of an address and print a JSON report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context(), app.ScanOptions{
			Address:     args[0],
			Pages:       scanPages,
			PageSize:    scanPageSize,
			Concurrency: scanConcurrency,
			Since:       scanSince,
			Pretty:      scanPretty,
		})
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanPages, "pages", 0, "Maximum discovery pages (defaults to config)")
	scanCmd.Flags().IntVar(&scanPageSize, "page-size", 0, "Entries per discovery page (defaults to config)")
	scanCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "Concurrent record lookups (defaults to config)")
	scanCmd.Flags().DurationVar(&scanSince, "since", 0, "Only include activity newer than this age, e.g. 6h")
	scanCmd.Flags().BoolVar(&scanPretty, "pretty", false, "Indent the JSON report")
}
