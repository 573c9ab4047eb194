package cli

import (
	"github.com/spf13/cobra"

	"liqguard/internal/app"
)

var (
	tickAssets []string
	tickDryRun bool
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Evaluate every monitored asset once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tick(cmd.Context(), app.TickOptions{
			Assets: tickAssets,
			DryRun: tickDryRun,
		})
	},
}

func init() {
	tickCmd.Flags().StringSliceVar(&tickAssets, "asset", nil, "Assets to evaluate (defaults to app.assets)")
	tickCmd.Flags().BoolVar(&tickDryRun, "dry-run", false, "Report breaches and expiries without acting on them")
}
