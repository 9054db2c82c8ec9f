package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-signals/internal/app"
)

var (
	showAddress string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently stored sub-events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Address: showAddress,
			Limit:   showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showAddress, "address", "", "Only show events of this address")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of events to display")
}
