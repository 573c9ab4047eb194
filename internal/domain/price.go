package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is a raw oracle observation in fixed-point form.
type PriceSample struct {
	Asset       Asset
	Mantissa    int64
	Exponent    int32
	Confidence  decimal.Decimal
	PublishedAt time.Time
	Source      string
}

// Price returns mantissa × 10^exponent.
func (s PriceSample) Price() decimal.Decimal {
	return decimal.New(s.Mantissa, s.Exponent)
}

// Age is the sample age relative to now.
func (s PriceSample) Age(now time.Time) time.Duration {
	return now.Sub(s.PublishedAt)
}
