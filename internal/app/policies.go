package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
	"liqguard/internal/quote"
)

// QuoteOptions are the CLI inputs for quote, register and propose.
type QuoteOptions struct {
	Asset        string
	Side         string
	Strike       string
	Coverage     string
	ExpiresAt    *time.Time
	Volatility   *float64
	RiskFreeRate *float64

	Owner       string
	Destination string
	PremiumPaid bool
	PaymentRef  string
}

func (o QuoteOptions) request() (quote.Request, error) {
	asset, err := domain.ParseAsset(o.Asset)
	if err != nil {
		return quote.Request{}, err
	}
	side, err := domain.ParseSide(o.Side)
	if err != nil {
		return quote.Request{}, err
	}
	coverage, err := decimal.NewFromString(o.Coverage)
	if err != nil {
		return quote.Request{}, fmt.Errorf("%w: coverage %q: %w", domain.ErrValidation, o.Coverage, err)
	}
	strike := decimal.Zero
	if o.Strike != "" {
		strike, err = decimal.NewFromString(o.Strike)
		if err != nil {
			return quote.Request{}, fmt.Errorf("%w: strike %q: %w", domain.ErrValidation, o.Strike, err)
		}
	}
	return quote.Request{
		Asset:          asset,
		Side:           side,
		StrikePrice:    strike,
		CoverageAmount: coverage,
		ExpiresAt:      o.ExpiresAt,
		Volatility:     o.Volatility,
		RiskFreeRate:   o.RiskFreeRate,
	}, nil
}

func (o QuoteOptions) application() (quote.Application, error) {
	req, err := o.request()
	if err != nil {
		return quote.Application{}, err
	}
	return quote.Application{
		Request:           req,
		OwnerIdentity:     o.Owner,
		PayoutDestination: o.Destination,
		PremiumPaid:       o.PremiumPaid,
		PaymentRef:        o.PaymentRef,
	}, nil
}

// quoteView is the JSON shape printed by the policy commands.
type quoteView struct {
	PolicyID          string    `json:"policyId,omitempty"`
	Status            string    `json:"status,omitempty"`
	Asset             string    `json:"asset"`
	Side              string    `json:"side"`
	Spot              string    `json:"spot"`
	StrikePrice       string    `json:"strikePrice"`
	CoverageAmount    string    `json:"coverageAmount"`
	ExpiresAt         time.Time `json:"expiresAt"`
	Volatility        float64   `json:"volatility"`
	RiskFreeRate      float64   `json:"riskFreeRate"`
	BreachProbability float64   `json:"breachProbability"`
	FairPremium       string    `json:"fairPremium"`
	VigAmount         string    `json:"vigAmount"`
	TotalPremium      string    `json:"totalPremium"`
}

func newQuoteView(id string, status domain.PolicyStatus, r quote.Result) quoteView {
	return quoteView{
		PolicyID:          id,
		Status:            string(status),
		Asset:             string(r.Asset),
		Side:              string(r.Side),
		Spot:              r.Spot.String(),
		StrikePrice:       r.StrikePrice.String(),
		CoverageAmount:    r.CoverageAmount.String(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		Volatility:        r.Volatility,
		RiskFreeRate:      r.RiskFreeRate,
		BreachProbability: r.BreachProbability,
		FairPremium:       r.FairPremium.String(),
		VigAmount:         r.VigAmount.String(),
		TotalPremium:      r.TotalPremium.String(),
	}
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withQuoting opens the store, fetches a fresh price for asset and hands a
// ready quote service to fn.
func (a *App) withQuoting(ctx context.Context, asset string, fn func(*quote.Service) error) error {
	parsed, err := domain.ParseAsset(asset)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	norm, feed := a.newPrices(store)
	if err := feed.Refresh(ctx, parsed); err != nil {
		return fmt.Errorf("fetch %s price: %w", parsed, err)
	}
	return fn(a.newQuoteService(norm, store))
}

// Quote prints a premium quote without storing anything.
func (a *App) Quote(ctx context.Context, opts QuoteOptions) error {
	req, err := opts.request()
	if err != nil {
		return err
	}
	return a.withQuoting(ctx, opts.Asset, func(svc *quote.Service) error {
		res, err := svc.Quote(ctx, req)
		if err != nil {
			return err
		}
		return a.printJSON(newQuoteView("", "", res))
	})
}

// Register stores a paid policy.
func (a *App) Register(ctx context.Context, opts QuoteOptions) error {
	if err := a.requireDatabase(); err != nil {
		return err
	}
	app, err := opts.application()
	if err != nil {
		return err
	}
	return a.withQuoting(ctx, opts.Asset, func(svc *quote.Service) error {
		id, res, err := svc.Register(ctx, app)
		if err != nil {
			return err
		}
		return a.printJSON(newQuoteView(id, domain.StatusActive, res))
	})
}

// Propose stores an unpaid policy awaiting activation.
func (a *App) Propose(ctx context.Context, opts QuoteOptions) error {
	if err := a.requireDatabase(); err != nil {
		return err
	}
	app, err := opts.application()
	if err != nil {
		return err
	}
	app.PremiumPaid = false
	return a.withQuoting(ctx, opts.Asset, func(svc *quote.Service) error {
		id, res, err := svc.Propose(ctx, app)
		if err != nil {
			return err
		}
		return a.printJSON(newQuoteView(id, domain.StatusPending, res))
	})
}

// Activate marks a proposed policy paid.
func (a *App) Activate(ctx context.Context, id, paymentRef string) error {
	return a.changeStatus(ctx, id, func(svc *quote.Service) error {
		return svc.Activate(ctx, id, paymentRef)
	})
}

// Cancel withdraws a policy.
func (a *App) Cancel(ctx context.Context, id string) error {
	return a.changeStatus(ctx, id, func(svc *quote.Service) error {
		return svc.Cancel(ctx, id)
	})
}

func (a *App) changeStatus(ctx context.Context, id string, fn func(*quote.Service) error) error {
	if err := a.requireDatabase(); err != nil {
		return err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.newQuoteService(nil, store)
	if err := fn(svc); err != nil {
		return err
	}
	p, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "policy %s is now %s\n", p.ID, p.Status)
	return nil
}
