package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
	"liqguard/internal/pricing"
	"liqguard/internal/prices"
	"liqguard/internal/storage"
)

const (
	yearLength = 365 * 24 * time.Hour

	DefaultVolatility   = 0.3
	DefaultRiskFreeRate = 0.05
	DefaultTenor        = 30 * 24 * time.Hour
	DefaultStrikeRatio  = 0.9
)

// AssetDefaults are the market parameters used when a request omits them.
// A nil RiskFreeRate falls back to DefaultRiskFreeRate.
type AssetDefaults struct {
	Volatility   float64
	RiskFreeRate *float64
}

// Options configure quoting.
type Options struct {
	Assets       map[domain.Asset]AssetDefaults
	DefaultTenor time.Duration
	// StrikeRatio × spot is the strike used when a request has none.
	StrikeRatio float64
}

// PriceSource serves the current spot.
type PriceSource interface {
	Latest(asset domain.Asset) (prices.Quote, error)
}

// Recorder counts issued quotes.
type Recorder interface {
	QuoteIssued(asset domain.Asset, side domain.Side)
}

// Request asks for a premium. Zero StrikePrice, nil ExpiresAt, nil
// Volatility and nil RiskFreeRate take the configured defaults.
type Request struct {
	Asset          domain.Asset
	Side           domain.Side
	StrikePrice    decimal.Decimal
	CoverageAmount decimal.Decimal
	ExpiresAt      *time.Time
	Volatility     *float64
	RiskFreeRate   *float64
}

// Result is a priced quote.
type Result struct {
	Asset             domain.Asset
	Side              domain.Side
	Spot              decimal.Decimal
	StrikePrice       decimal.Decimal
	CoverageAmount    decimal.Decimal
	ExpiresAt         time.Time
	Volatility        float64
	RiskFreeRate      float64
	TimeYears         float64
	BreachProbability float64
	FairPremium       decimal.Decimal
	VigAmount         decimal.Decimal
	TotalPremium      decimal.Decimal
	QuotedAt          time.Time
}

// Application is a quote plus the buyer details needed to store a policy.
type Application struct {
	Request
	OwnerIdentity     string
	PayoutDestination string
	PremiumPaid       bool
	PaymentRef        string
}

// Service quotes, registers and manages policies.
type Service struct {
	opts     Options
	engine   *pricing.Engine
	prices   PriceSource
	store    storage.PolicyStore
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the quoting service. recorder may be nil.
func NewService(opts Options, engine *pricing.Engine, src PriceSource, store storage.PolicyStore, recorder Recorder, logger zerolog.Logger) *Service {
	if opts.DefaultTenor <= 0 {
		opts.DefaultTenor = DefaultTenor
	}
	if opts.StrikeRatio <= 0 || opts.StrikeRatio >= 1 {
		opts.StrikeRatio = DefaultStrikeRatio
	}
	return &Service{
		opts:     opts,
		engine:   engine,
		prices:   src,
		store:    store,
		recorder: recorder,
		logger:   logger.With().Str("component", "quote").Logger(),
		now:      time.Now,
	}
}

// Quote prices req against the cached spot.
func (s *Service) Quote(ctx context.Context, req Request) (Result, error) {
	asset, err := domain.ParseAsset(string(req.Asset))
	if err != nil {
		return Result{}, err
	}
	side, err := domain.ParseSide(string(req.Side))
	if err != nil {
		return Result{}, err
	}
	if !req.CoverageAmount.IsPositive() {
		return Result{}, fmt.Errorf("%w: coverage amount must be greater than zero", domain.ErrValidation)
	}
	if req.StrikePrice.IsNegative() {
		return Result{}, fmt.Errorf("%w: strike price cannot be negative", domain.ErrValidation)
	}

	spot, err := s.prices.Latest(asset)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.opts.DefaultTenor)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}
	if !expiresAt.After(now) {
		return Result{}, fmt.Errorf("%w: expiry %s is not in the future", domain.ErrValidation, expiresAt.UTC().Format(time.RFC3339))
	}

	strike := req.StrikePrice
	if strike.IsZero() {
		strike = defaultStrike(spot.Price, side, s.opts.StrikeRatio)
	}

	vol, rate := s.defaultsFor(asset)
	if req.Volatility != nil {
		vol = *req.Volatility
	}
	if req.RiskFreeRate != nil {
		rate = *req.RiskFreeRate
	}
	years := expiresAt.Sub(now).Seconds() / yearLength.Seconds()

	priced, err := s.engine.Price(pricing.Inputs{
		Spot:         spot.Price.InexactFloat64(),
		Strike:       strike.InexactFloat64(),
		Volatility:   vol,
		RiskFreeRate: rate,
		TimeYears:    years,
		Coverage:     req.CoverageAmount.InexactFloat64(),
		Side:         side,
	})
	if err != nil {
		return Result{}, err
	}

	if s.recorder != nil {
		s.recorder.QuoteIssued(asset, side)
	}
	return Result{
		Asset:             asset,
		Side:              side,
		Spot:              spot.Price,
		StrikePrice:       strike,
		CoverageAmount:    req.CoverageAmount,
		ExpiresAt:         expiresAt,
		Volatility:        vol,
		RiskFreeRate:      rate,
		TimeYears:         years,
		BreachProbability: priced.BreachProbability,
		FairPremium:       pricing.Decimal(priced.FairPremium),
		VigAmount:         pricing.Decimal(priced.VigAmount),
		TotalPremium:      pricing.Decimal(priced.TotalPremium),
		QuotedAt:          now,
	}, nil
}

// Register quotes app and stores it as an active policy. The premium must
// already be paid.
func (s *Service) Register(ctx context.Context, app Application) (string, Result, error) {
	if !app.PremiumPaid {
		return "", Result{}, domain.ErrPremiumNotPaid
	}
	return s.persist(ctx, app, true)
}

// Propose quotes app and stores it as a pending policy awaiting payment.
func (s *Service) Propose(ctx context.Context, app Application) (string, Result, error) {
	return s.persist(ctx, app, false)
}

func (s *Service) persist(ctx context.Context, app Application, paid bool) (string, Result, error) {
	if strings.TrimSpace(app.PayoutDestination) == "" {
		return "", Result{}, fmt.Errorf("%w: payout destination is required", domain.ErrValidation)
	}
	res, err := s.Quote(ctx, app.Request)
	if err != nil {
		return "", Result{}, err
	}

	expiresAt := res.ExpiresAt
	policy := domain.Policy{
		Asset:             res.Asset,
		OwnerIdentity:     app.OwnerIdentity,
		PayoutDestination: app.PayoutDestination,
		StrikePrice:       res.StrikePrice,
		Side:              res.Side,
		CoverageAmount:    res.CoverageAmount,
		PremiumAmount:     res.TotalPremium,
		ExpiresAt:         &expiresAt,
		PremiumPaid:       paid,
	}
	if paid && app.PaymentRef != "" {
		ref := app.PaymentRef
		policy.PaymentRef = &ref
	}

	id, err := s.store.Create(ctx, policy)
	if err != nil {
		return "", Result{}, err
	}
	s.logger.Info().
		Str("policy_id", id).
		Str("asset", string(res.Asset)).
		Str("side", string(res.Side)).
		Str("strike", res.StrikePrice.String()).
		Str("premium", res.TotalPremium.String()).
		Bool("premium_paid", paid).
		Msg("policy stored")
	return id, res, nil
}

// Activate marks a pending policy paid and active.
func (s *Service) Activate(ctx context.Context, id, paymentRef string) error {
	if strings.TrimSpace(paymentRef) == "" {
		return fmt.Errorf("%w: payment reference is required", domain.ErrValidation)
	}
	ok, err := s.store.Activate(ctx, id, paymentRef)
	if err != nil {
		return err
	}
	if !ok {
		return s.conflict(ctx, id, "activate")
	}
	s.logger.Info().Str("policy_id", id).Str("payment_ref", paymentRef).Msg("policy activated")
	return nil
}

// Cancel withdraws a pending or active policy.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.conflict(ctx, id, "cancel")
	}
	s.logger.Info().Str("policy_id", id).Msg("policy cancelled")
	return nil
}

func (s *Service) conflict(ctx context.Context, id, op string) error {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s %s", domain.ErrConcurrencyConflict, op, id)
	}
	return fmt.Errorf("%w: cannot %s %s policy %s", domain.ErrConcurrencyConflict, op, p.Status, id)
}

func (s *Service) defaultsFor(asset domain.Asset) (vol, rate float64) {
	d := s.opts.Assets[asset]
	vol, rate = d.Volatility, DefaultRiskFreeRate
	if vol <= 0 {
		vol = DefaultVolatility
	}
	if d.RiskFreeRate != nil {
		rate = *d.RiskFreeRate
	}
	return vol, rate
}

// defaultStrike places the barrier ratio below spot for puts and the same
// distance above spot for calls.
func defaultStrike(spot decimal.Decimal, side domain.Side, ratio float64) decimal.Decimal {
	r := decimal.NewFromFloat(ratio)
	if side == domain.SideCall {
		r = decimal.NewFromInt(2).Sub(r)
	}
	return spot.Mul(r).Round(8)
}
