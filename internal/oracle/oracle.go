package oracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

// RawPrice is the fixed-point payload every adapter produces.
type RawPrice struct {
	Mantissa    int64
	Exponent    int32
	Confidence  decimal.Decimal
	PublishedAt time.Time
}

// Sample tags a raw price with its asset and source.
func (r RawPrice) Sample(asset domain.Asset, source string) domain.PriceSample {
	return domain.PriceSample{
		Asset:       asset,
		Mantissa:    r.Mantissa,
		Exponent:    r.Exponent,
		Confidence:  r.Confidence,
		PublishedAt: r.PublishedAt,
		Source:      source,
	}
}

// Source pulls the latest price for one asset.
type Source interface {
	Name() string
	FetchLatest(ctx context.Context, asset domain.Asset) (RawPrice, error)
}

// Handler receives streamed samples.
type Handler func(sample domain.PriceSample)

// Stream pushes samples for a set of assets until ctx is cancelled.
type Stream interface {
	Subscribe(ctx context.Context, assets []domain.Asset, handle Handler) error
}
