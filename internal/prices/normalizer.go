package prices

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

// DefaultMaxAge matches the 60s freshness window enforced at settlement.
const DefaultMaxAge = 60 * time.Second

// Quote is a normalised price ready for pricing or resolution.
type Quote struct {
	Asset       domain.Asset
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishedAt time.Time
	Source      string
}

// Normalize converts a fixed-point oracle value to a decimal USD price.
func Normalize(mantissa int64, exponent int32) decimal.Decimal {
	return decimal.New(mantissa, exponent)
}

// Normalizer caches the latest sample per asset. Writes are
// last-timestamp-wins: a sample is stored only when strictly newer.
type Normalizer struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	latest map[domain.Asset]domain.PriceSample
}

// Option customises a Normalizer.
type Option func(*Normalizer)

// WithClock injects the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// NewNormalizer builds a Normalizer with the given staleness bound.
func NewNormalizer(maxAge time.Duration, opts ...Option) *Normalizer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	n := &Normalizer{
		maxAge: maxAge,
		now:    time.Now,
		latest: make(map[domain.Asset]domain.PriceSample),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// MaxAge returns the staleness bound.
func (n *Normalizer) MaxAge() time.Duration { return n.maxAge }

// Ingest stores sample if it is newer than the cached one and reports
// whether it did. Duplicates and out-of-order samples are dropped.
func (n *Normalizer) Ingest(sample domain.PriceSample) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cur, ok := n.latest[sample.Asset]; ok && !sample.PublishedAt.After(cur.PublishedAt) {
		return false
	}
	n.latest[sample.Asset] = sample
	return true
}

// Latest returns the freshest usable price for asset.
func (n *Normalizer) Latest(asset domain.Asset) (Quote, error) {
	n.mu.RLock()
	sample, ok := n.latest[asset]
	n.mu.RUnlock()

	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", asset, domain.ErrNoPriceAvailable)
	}
	if age := sample.Age(n.now()); age > n.maxAge {
		return Quote{}, fmt.Errorf("%s: %w (age %s > %s)", asset, domain.ErrStalePrice, age.Truncate(time.Millisecond), n.maxAge)
	}

	return Quote{
		Asset:       asset,
		Price:       sample.Price(),
		Confidence:  sample.Confidence,
		PublishedAt: sample.PublishedAt,
		Source:      sample.Source,
	}, nil
}

// Snapshot returns the cached samples regardless of freshness.
func (n *Normalizer) Snapshot() map[domain.Asset]domain.PriceSample {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[domain.Asset]domain.PriceSample, len(n.latest))
	for k, v := range n.latest {
		out[k] = v
	}
	return out
}
