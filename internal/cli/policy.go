package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"liqguard/internal/app"
)

type quoteFlags struct {
	asset       string
	side        string
	strike      string
	coverage    string
	expires     string
	tenor       time.Duration
	volatility  float64
	rate        float64
	owner       string
	destination string
	paymentRef  string
}

func (f *quoteFlags) bind(cmd *cobra.Command, withBuyer bool) {
	fl := cmd.Flags()
	fl.StringVar(&f.asset, "asset", "", "Asset symbol: BTC, ETH or SOL")
	fl.StringVar(&f.side, "side", "put", "Barrier side: call or put")
	fl.StringVar(&f.strike, "strike", "", "Strike (liquidation) price; defaults to 90% of spot for puts")
	fl.StringVar(&f.coverage, "coverage", "", "Coverage amount paid on breach")
	fl.StringVar(&f.expires, "expires", "", "Expiry timestamp (RFC3339)")
	fl.DurationVar(&f.tenor, "tenor", 0, "Expiry as a duration from now, instead of --expires")
	fl.Float64Var(&f.volatility, "volatility", 0, "Annualised volatility override")
	fl.Float64Var(&f.rate, "rate", 0, "Risk-free rate override")
	if withBuyer {
		fl.StringVar(&f.owner, "owner", "", "Owner identity")
		fl.StringVar(&f.destination, "destination", "", "Payout destination address")
	}
}

func (f *quoteFlags) options(cmd *cobra.Command) (app.QuoteOptions, error) {
	if f.asset == "" || f.coverage == "" {
		return app.QuoteOptions{}, errors.New("--asset and --coverage must be provided")
	}
	opts := app.QuoteOptions{
		Asset:       f.asset,
		Side:        f.side,
		Strike:      f.strike,
		Coverage:    f.coverage,
		Owner:       f.owner,
		Destination: f.destination,
		PaymentRef:  f.paymentRef,
	}

	switch {
	case f.expires != "" && f.tenor != 0:
		return opts, errors.New("use either --expires or --tenor")
	case f.expires != "":
		at, err := parseTimeFlag("expires", f.expires)
		if err != nil {
			return opts, err
		}
		opts.ExpiresAt = at
	case f.tenor != 0:
		at := time.Now().Add(f.tenor)
		opts.ExpiresAt = &at
	}

	if cmd.Flags().Changed("volatility") {
		v := f.volatility
		opts.Volatility = &v
	}
	if cmd.Flags().Changed("rate") {
		r := f.rate
		opts.RiskFreeRate = &r
	}
	return opts, nil
}

var (
	quoteArgs    quoteFlags
	registerArgs quoteFlags
	proposeArgs  quoteFlags
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price liquidation cover without storing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := quoteArgs.options(cmd)
		if err != nil {
			return err
		}
		return getApp().Quote(cmd.Context(), opts)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Store a paid policy as active",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := registerArgs.options(cmd)
		if err != nil {
			return err
		}
		opts.PremiumPaid, _ = cmd.Flags().GetBool("premium-paid")
		return getApp().Register(cmd.Context(), opts)
	},
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Store an unpaid policy as pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := proposeArgs.options(cmd)
		if err != nil {
			return err
		}
		return getApp().Propose(cmd.Context(), opts)
	},
}

var activatePaymentRef string

var activateCmd = &cobra.Command{
	Use:   "activate <policy-id>",
	Short: "Activate a pending policy once its premium is paid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Activate(cmd.Context(), args[0], activatePaymentRef)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <policy-id>",
	Short: "Cancel a pending or active policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cancel(cmd.Context(), args[0])
	},
}

func init() {
	quoteArgs.bind(quoteCmd, false)

	registerArgs.bind(registerCmd, true)
	registerCmd.Flags().Bool("premium-paid", false, "Confirm the premium has been received")
	registerCmd.Flags().StringVar(&registerArgs.paymentRef, "payment-ref", "", "Premium payment reference")

	proposeArgs.bind(proposeCmd, true)

	activateCmd.Flags().StringVar(&activatePaymentRef, "payment-ref", "", "Premium payment reference")
	_ = activateCmd.MarkFlagRequired("payment-ref")
}
