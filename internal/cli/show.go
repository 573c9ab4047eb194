package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"liqguard/internal/app"
)

var (
	showLimit  int
	showAsset  string
	showStatus string
	showOwner  string
	showPrices bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Asset:  showAsset,
			Status: showStatus,
			Owner:  showOwner,
			Limit:  showLimit,
			Prices: showPrices,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Only policies on this asset")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only policies in this status")
	showCmd.Flags().StringVar(&showOwner, "owner", "", "Only policies of this owner")
	showCmd.Flags().BoolVar(&showPrices, "prices", false, "Also list recent price samples")
}
