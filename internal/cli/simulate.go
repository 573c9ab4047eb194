package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateAsset string
	simulatePrice string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-breach",
	Short: "Replay a monitor tick at a hypothetical price with simulated payouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAsset == "" || simulatePrice == "" {
			return errors.New("--asset and --price must be provided")
		}
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return err
		}
		return getApp().SimulateBreach(cmd.Context(), simulateAsset, price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset symbol")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Price to evaluate the book at")
}
