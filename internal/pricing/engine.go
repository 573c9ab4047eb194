package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

// DefaultVigRate is the margin charged over the fair premium.
const DefaultVigRate = 0.20

// Inputs parameterise a single barrier quote.
type Inputs struct {
	Spot         float64
	Strike       float64
	Volatility   float64
	RiskFreeRate float64
	TimeYears    float64
	Coverage     float64
	Side         domain.Side
}

// Result carries the premium terms of a quote.
type Result struct {
	BreachProbability float64
	FairPremium       float64
	VigAmount         float64
	TotalPremium      float64
}

// Engine prices one-touch liquidation cover.
type Engine struct {
	vigRate float64
}

// NewEngine builds an engine. A negative or NaN vigRate falls back to DefaultVigRate.
func NewEngine(vigRate float64) *Engine {
	if vigRate < 0 || math.IsNaN(vigRate) {
		vigRate = DefaultVigRate
	}
	return &Engine{vigRate: vigRate}
}

// VigRate returns the configured margin.
func (e *Engine) VigRate() float64 { return e.vigRate }

// Price computes the breach probability and premium for in.
func (e *Engine) Price(in Inputs) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	prob := BreachProbability(in.Spot, in.Strike, in.Volatility, in.RiskFreeRate, in.TimeYears, in.Side)
	fair := in.Coverage * math.Exp(-in.RiskFreeRate*in.TimeYears) * prob
	vig := fair * e.vigRate

	return Result{
		BreachProbability: prob,
		FairPremium:       fair,
		VigAmount:         vig,
		TotalPremium:      fair + vig,
	}, nil
}

// BreachProbability is the first-passage probability of the drifted log-price
// to a single barrier at strike. Inputs are assumed valid.
func BreachProbability(spot, strike, vol, rate, t float64, side domain.Side) float64 {
	if side.Crossed(spot, strike) {
		return 1
	}

	h := math.Abs(math.Log(strike / spot))
	drift := rate - 0.5*vol*vol
	denom := vol * math.Sqrt(t)

	term1 := NormCDF((-h - drift*t) / denom)
	term2 := NormCDF((-h + drift*t) / denom)
	raw := term1 + math.Exp(2*drift*h/(vol*vol))*term2

	return clamp(raw, 0, 1)
}

func validate(in Inputs) error {
	switch {
	case !(in.TimeYears > 0):
		return fmt.Errorf("%w: time to expiry must be positive, got %v", domain.ErrInvalidPricingInput, in.TimeYears)
	case !(in.Volatility > 0):
		return fmt.Errorf("%w: volatility must be positive, got %v", domain.ErrInvalidPricingInput, in.Volatility)
	case !(in.Spot > 0):
		return fmt.Errorf("%w: spot must be positive, got %v", domain.ErrInvalidPricingInput, in.Spot)
	case !(in.Strike > 0):
		return fmt.Errorf("%w: strike must be positive, got %v", domain.ErrInvalidPricingInput, in.Strike)
	case !(in.Coverage > 0):
		return fmt.Errorf("%w: coverage must be positive, got %v", domain.ErrInvalidPricingInput, in.Coverage)
	}
	if in.Side != domain.SideCall && in.Side != domain.SidePut {
		return fmt.Errorf("%w: %w", domain.ErrInvalidPricingInput, domain.ErrUnknownSide)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	// Inf·0 in the reflection term prices as a certain touch.
	if math.IsNaN(v) {
		return hi
	}
	return math.Max(lo, math.Min(hi, v))
}

// Decimal rounds a float premium term to 8 decimal places for persistence.
func Decimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(8)
}
