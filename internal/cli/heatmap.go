package cli

import (
	"github.com/spf13/cobra"

	"ledger-signals/internal/app"
)

var (
	heatmapHours   int
	heatmapPages   int
	heatmapPNGPath string
	heatmapCSVPath string
)

var heatmapCmd = &cobra.Command{
	Use:   "heatmap <address>",
	Short: "Export hourly activity of an address as CSV and/or PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Heatmap(cmd.Context(), app.HeatmapOptions{
			Address: args[0],
			Hours:   heatmapHours,
			Pages:   heatmapPages,
			PNGPath: heatmapPNGPath,
			CSVPath: heatmapCSVPath,
		})
	},
}

func init() {
	heatmapCmd.Flags().IntVar(&heatmapHours, "hours", 0, "Lookback in hours (defaults to config)")
	heatmapCmd.Flags().IntVar(&heatmapPages, "pages", 5, "Maximum discovery pages")
	heatmapCmd.Flags().StringVar(&heatmapPNGPath, "png", "", "Path to write PNG chart")
	heatmapCmd.Flags().StringVar(&heatmapCSVPath, "csv", "", "Path to write CSV data")
}
