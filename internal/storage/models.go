package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

// PolicyFilter narrows List queries. Zero values match everything.
type PolicyFilter struct {
	Asset  *domain.Asset
	Status *domain.PolicyStatus
	Owner  string
	Limit  int
}

// PolicyStore is the single source of truth for policy status. All status
// changes are compare-and-swap updates; a CAS miss returns (false, nil).
type PolicyStore interface {
	Create(ctx context.Context, policy domain.Policy) (string, error)
	Get(ctx context.Context, id string) (domain.Policy, error)
	List(ctx context.Context, filter PolicyFilter) ([]domain.Policy, error)
	// GetActive returns active, unexpired policies ordered by strike ascending.
	GetActive(ctx context.Context, asset *domain.Asset, now time.Time) ([]domain.Policy, error)
	// ListExpired returns active policies whose expiry is at or before now.
	ListExpired(ctx context.Context, asset *domain.Asset, now time.Time) ([]domain.Policy, error)
	TryResolve(ctx context.Context, id string, expected domain.PolicyStatus, settlementRef string) (bool, error)
	Expire(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Activate(ctx context.Context, id string, paymentRef string) (bool, error)
}

// PriceSampleRecord is a persisted oracle observation.
type PriceSampleRecord struct {
	Asset       domain.Asset
	Mantissa    int64
	Exponent    int32
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishedAt time.Time
	Source      string
	CreatedAt   time.Time
}

// PriceHistory stores and lists price samples.
type PriceHistory interface {
	RecordPriceSample(ctx context.Context, sample domain.PriceSample) error
	ListPriceSamplesBetween(ctx context.Context, asset domain.Asset, from, to time.Time) ([]PriceSampleRecord, error)
	ListRecentPriceSamples(ctx context.Context, asset domain.Asset, limit int) ([]PriceSampleRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
