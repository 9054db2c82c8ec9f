package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var simulateAmount string

var simulateCmd = &cobra.Command{
	Use:   "simulate-event <address>",
	Short: "模拟一次转账并投递到已配置的通道",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(simulateAmount)
		if err != nil || !amount.IsPositive() {
			return errors.New("--amount 必须为大于 0 的数字")
		}
		return getApp().SimulateEvent(cmd.Context(), args[0], amount)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "1", "模拟转账数量")
}
