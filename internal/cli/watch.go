package cli

import (
	"github.com/spf13/cobra"

	"ledger-signals/internal/app"
)

var watchCmd = &cobra.Command{
	Use:   "watch [address...]",
	Short: "Poll addresses and deliver new activity until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), app.WatchOptions{Targets: args})
	},
}
