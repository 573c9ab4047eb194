package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"liqguard/internal/alerting"
	"liqguard/internal/domain"
	"liqguard/internal/prices"
	"liqguard/internal/scheduler"
	"liqguard/internal/settlement"
	"liqguard/internal/storage"
)

// PriceSource serves the authoritative cached price per asset.
type PriceSource interface {
	Latest(asset domain.Asset) (prices.Quote, error)
}

// Refresher pulls a fresh sample into the cache before evaluation.
type Refresher interface {
	Refresh(ctx context.Context, asset domain.Asset) error
}

// Metrics receives monitor outcomes.
type Metrics interface {
	TickCompleted(asset domain.Asset, took time.Duration)
	TickSkipped(asset domain.Asset, reason string)
	BreachDetected(asset domain.Asset)
	PayoutFinished(asset domain.Asset, outcome string)
	PolicyResolved(asset domain.Asset)
	ResolveConflict(asset domain.Asset)
	PolicyExpired(asset domain.Asset)
	ActiveCount(asset domain.Asset, n int)
}

// Options tune the monitor.
type Options struct {
	Assets              []domain.Asset
	Interval            time.Duration
	ExpirySweepInterval time.Duration
	PayoutTimeout       time.Duration
	PollInterval        time.Duration
	Workers             int
	// LockKey enables a Postgres advisory lock per asset tick. The key for
	// an asset is LockKey plus its index in Assets. Zero disables locking.
	LockKey int64
}

// Deps are the collaborators of a Monitor. Refresher, Notifier, Metrics and
// Locker are optional.
type Deps struct {
	Store     storage.PolicyStore
	Prices    PriceSource
	Refresher Refresher
	Executor  settlement.Executor
	Notifier  alerting.Notifier
	Metrics   Metrics
	Locker    storage.AdvisoryLocker
}

// Monitor watches active policies and settles the ones whose barrier has
// been crossed.
type Monitor struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	schedulers map[domain.Asset]*scheduler.Scheduler
	lockKeys   map[domain.Asset]int64

	mu        sync.Mutex
	resolving map[string]struct{}
}

// New builds a Monitor. It does not start any loop.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Monitor, error) {
	if deps.Store == nil || deps.Prices == nil || deps.Executor == nil {
		return nil, errors.New("monitor requires a store, a price source and an executor")
	}
	if len(opts.Assets) == 0 {
		opts.Assets = domain.Assets()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ExpirySweepInterval <= 0 {
		opts.ExpirySweepInterval = time.Minute
	}
	if opts.PayoutTimeout <= 0 {
		opts.PayoutTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	logger = logger.With().Str("component", "monitor").Logger()
	m := &Monitor{
		opts:       opts,
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		schedulers: make(map[domain.Asset]*scheduler.Scheduler, len(opts.Assets)),
		lockKeys:   make(map[domain.Asset]int64, len(opts.Assets)),
		resolving:  make(map[string]struct{}),
	}
	for i, asset := range opts.Assets {
		m.schedulers[asset] = scheduler.New(scheduler.Options{
			Name:     "monitor-" + string(asset),
			Interval: opts.Interval,
		}, logger)
		if opts.LockKey != 0 {
			m.lockKeys[asset] = opts.LockKey + int64(i)
		}
	}
	return m, nil
}

// Assets lists the monitored assets.
func (m *Monitor) Assets() []domain.Asset { return m.opts.Assets }

// Run drives one loop per asset plus the global expiry sweep until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, asset := range m.opts.Assets {
		asset := asset
		sched := m.schedulers[asset]
		g.Go(func() error {
			return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
				_, err := m.EvaluateAsset(ctx, asset)
				return err
			})
		})
	}

	sweeper := scheduler.New(scheduler.Options{Name: "expiry-sweep", Interval: m.opts.ExpirySweepInterval}, m.logger)
	g.Go(func() error {
		return sweeper.Run(ctx, func(ctx context.Context, _ time.Time) error {
			_, err := m.SweepExpired(ctx, nil)
			return err
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Report summarises one evaluation of an asset.
type Report struct {
	Asset      domain.Asset
	Price      decimal.Decimal
	Skipped    string
	Expired    int
	Active     int
	Breached   int
	Resolved   int
	Conflicts  int
	Failed     int
	InProgress int
}

// EvaluateAsset runs one tick for asset: expire first, then look for
// breaches at the cached price and settle them.
func (m *Monitor) EvaluateAsset(ctx context.Context, asset domain.Asset) (Report, error) {
	report := Report{Asset: asset}

	unlock, proceed, err := m.acquireLock(ctx, asset)
	if err != nil {
		return report, err
	}
	if !proceed {
		m.logger.Debug().Str("asset", string(asset)).Msg("skip tick because advisory lock held elsewhere")
		report.Skipped = "locked"
		m.deps.Metrics.TickSkipped(asset, report.Skipped)
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	defer func() { m.deps.Metrics.TickCompleted(asset, time.Since(started)) }()

	expired, err := m.SweepExpired(ctx, &asset)
	report.Expired = expired
	if err != nil {
		return report, err
	}

	if m.deps.Refresher != nil {
		if err := m.deps.Refresher.Refresh(ctx, asset); err != nil {
			m.logger.Warn().Err(err).Str("asset", string(asset)).Msg("price refresh failed, using cached price")
		}
	}

	quote, err := m.deps.Prices.Latest(asset)
	if err != nil {
		if !domain.IsOracleError(err) {
			return report, err
		}
		report.Skipped = skipReason(err)
		m.deps.Metrics.TickSkipped(asset, report.Skipped)
		m.logger.Warn().Err(err).Str("asset", string(asset)).Msg("skip tick without a usable price")
		return report, nil
	}
	report.Price = quote.Price

	now := m.now()
	active, err := m.deps.Store.GetActive(ctx, &asset, now)
	if err != nil {
		return report, fmt.Errorf("load active policies: %w", err)
	}
	report.Active = len(active)
	m.deps.Metrics.ActiveCount(asset, len(active))

	var breached []domain.Policy
	for _, p := range active {
		if !p.BreachedBy(quote.Price) {
			continue
		}
		if p.ExpiredAt(m.now()) {
			continue
		}
		breached = append(breached, p)
	}
	report.Breached = len(breached)
	if len(breached) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.opts.Workers)
	for _, p := range breached {
		p := p
		m.deps.Metrics.BreachDetected(asset)
		g.Go(func() error {
			outcome := m.settle(ctx, p, quote)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeResolved:
				report.Resolved++
			case outcomeConflict:
				report.Conflicts++
			case outcomeInProgress, outcomeInFlight:
				report.InProgress++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().
		Str("asset", string(asset)).
		Str("price", quote.Price.String()).
		Int("breached", report.Breached).
		Int("resolved", report.Resolved).
		Int("failed", report.Failed).
		Msg("breaches processed")
	return report, nil
}

// SweepExpired moves active policies past their expiry to expired. A nil
// asset sweeps every asset.
func (m *Monitor) SweepExpired(ctx context.Context, asset *domain.Asset) (int, error) {
	expired, err := m.deps.Store.ListExpired(ctx, asset, m.now())
	if err != nil {
		return 0, fmt.Errorf("list expired policies: %w", err)
	}

	n := 0
	for _, p := range expired {
		ok, err := m.deps.Store.Expire(ctx, p.ID)
		if err != nil {
			m.logger.Error().Err(err).Str("policy_id", p.ID).Msg("expire policy")
			continue
		}
		if !ok {
			continue
		}
		n++
		m.deps.Metrics.PolicyExpired(p.Asset)
		m.logger.Info().Str("policy_id", p.ID).Str("asset", string(p.Asset)).Msg("policy expired")
		m.notify(ctx, alerting.Event{
			Kind:        alerting.KindExpired,
			PolicyID:    p.ID,
			Asset:       p.Asset,
			Side:        p.Side,
			StrikePrice: p.StrikePrice,
			Coverage:    p.CoverageAmount,
			At:          m.now(),
		})
	}
	return n, nil
}

const (
	outcomeResolved   = "resolved"
	outcomeConflict   = "conflict"
	outcomeInProgress = "in_progress"
	outcomeInFlight   = "in_flight"
	outcomeFailed     = "failed"
	outcomeTimeout    = "timeout"
)

func (m *Monitor) settle(ctx context.Context, p domain.Policy, quote prices.Quote) string {
	if !m.beginResolving(p.ID) {
		return outcomeInProgress
	}
	defer m.endResolving(p.ID)

	logger := m.logger.With().Str("policy_id", p.ID).Str("asset", string(p.Asset)).Logger()

	pctx, cancel := context.WithTimeout(ctx, m.opts.PayoutTimeout)
	defer cancel()

	ref, err := m.deps.Executor.Initiate(pctx, settlement.RequestFor(p))
	if err == nil {
		err = settlement.Await(pctx, m.deps.Executor, ref, m.opts.PollInterval)
	}
	if err != nil {
		outcome := outcomeFailed
		switch {
		case errors.Is(err, domain.ErrSettlementInFlight):
			outcome = outcomeInFlight
			logger.Debug().Msg("payout in flight elsewhere")
		case errors.Is(err, domain.ErrSettlementTimeout), errors.Is(pctx.Err(), context.DeadlineExceeded):
			outcome = outcomeTimeout
			logger.Warn().Err(err).Str("ref", string(ref)).Msg("payout not confirmed in time, retrying next tick")
		default:
			logger.Warn().Err(err).Str("ref", string(ref)).Msg("payout failed, retrying next tick")
		}
		m.deps.Metrics.PayoutFinished(p.Asset, outcome)
		return outcome
	}
	m.deps.Metrics.PayoutFinished(p.Asset, "confirmed")

	ok, err := m.deps.Store.TryResolve(context.WithoutCancel(ctx), p.ID, domain.StatusActive, string(ref))
	if err != nil {
		logger.Error().Err(err).Str("ref", string(ref)).Msg("record resolution")
		return outcomeFailed
	}
	if !ok {
		m.deps.Metrics.ResolveConflict(p.Asset)
		logger.Debug().Str("ref", string(ref)).Msg("policy already left active")
		return outcomeConflict
	}

	m.deps.Metrics.PolicyResolved(p.Asset)
	logger.Info().
		Str("ref", string(ref)).
		Str("price", quote.Price.String()).
		Str("strike", p.StrikePrice.String()).
		Str("side", string(p.Side)).
		Msg("policy resolved")
	m.notify(ctx, alerting.Event{
		Kind:          alerting.KindResolved,
		PolicyID:      p.ID,
		Asset:         p.Asset,
		Side:          p.Side,
		StrikePrice:   p.StrikePrice,
		Price:         quote.Price,
		Coverage:      p.CoverageAmount,
		SettlementRef: string(ref),
		At:            m.now(),
	})
	return outcomeResolved
}

func (m *Monitor) beginResolving(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.resolving[id]; busy {
		return false
	}
	m.resolving[id] = struct{}{}
	return true
}

func (m *Monitor) endResolving(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resolving, id)
}

// Resolving reports whether a payout for id is being settled by this process.
func (m *Monitor) Resolving(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.resolving[id]
	return busy
}

func (m *Monitor) notify(ctx context.Context, event alerting.Event) {
	if m.deps.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.deps.Notifier.Notify(nctx, event); err != nil {
		m.logger.Error().Err(err).Str("policy_id", event.PolicyID).Msg("failed to dispatch event")
	}
}

func (m *Monitor) acquireLock(ctx context.Context, asset domain.Asset) (func(), bool, error) {
	key := m.lockKeys[asset]
	if key == 0 || m.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, domain.ErrNoPriceAvailable):
		return "no_price"
	default:
		return "oracle_error"
	}
}

type nopMetrics struct{}

func (nopMetrics) TickCompleted(domain.Asset, time.Duration) {}
func (nopMetrics) TickSkipped(domain.Asset, string)          {}
func (nopMetrics) BreachDetected(domain.Asset)               {}
func (nopMetrics) PayoutFinished(domain.Asset, string)       {}
func (nopMetrics) PolicyResolved(domain.Asset)               {}
func (nopMetrics) ResolveConflict(domain.Asset)              {}
func (nopMetrics) PolicyExpired(domain.Asset)                {}
func (nopMetrics) ActiveCount(domain.Asset, int)             {}
