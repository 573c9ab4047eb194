package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"liqguard/internal/domain"
)

// BreakerOptions tune the circuit breakers around a Source.
type BreakerOptions struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

// Breaker short-circuits a failing Source so a dead oracle does not hold
// every monitor tick for a full request timeout. Each asset trips on its own.
type Breaker struct {
	source Source
	opts   BreakerOptions
	logger zerolog.Logger

	mu       sync.Mutex
	circuits map[domain.Asset]*gobreaker.CircuitBreaker
}

// NewBreaker wraps source.
func NewBreaker(source Source, opts BreakerOptions, logger zerolog.Logger) *Breaker {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Breaker{
		source:   source,
		opts:     opts,
		logger:   logger.With().Str("component", "oracle_breaker").Str("source", source.Name()).Logger(),
		circuits: make(map[domain.Asset]*gobreaker.CircuitBreaker),
	}
}

func (b *Breaker) circuit(asset domain.Asset) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.circuits[asset]; ok {
		return cb
	}

	log := b.logger.With().Str("asset", asset.String()).Logger()
	threshold := b.opts.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     b.source.Name() + ":" + asset.String(),
		Interval: b.opts.Interval,
		Timeout:  b.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("oracle breaker state change")
		},
	})
	b.circuits[asset] = cb
	return cb
}

// Name returns the wrapped source name.
func (b *Breaker) Name() string { return b.source.Name() }

// State exposes the breaker state of asset for diagnostics.
func (b *Breaker) State(asset domain.Asset) gobreaker.State { return b.circuit(asset).State() }

// FetchLatest forwards to the wrapped source unless the asset's breaker is open.
func (b *Breaker) FetchLatest(ctx context.Context, asset domain.Asset) (RawPrice, error) {
	out, err := b.circuit(asset).Execute(func() (interface{}, error) {
		return b.source.FetchLatest(ctx, asset)
	})
	if err != nil {
		return RawPrice{}, err
	}
	return out.(RawPrice), nil
}

var _ Source = (*Breaker)(nil)
