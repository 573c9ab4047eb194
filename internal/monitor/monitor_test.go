package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/alerting"
	"liqguard/internal/domain"
	"liqguard/internal/metrics"
	"liqguard/internal/prices"
	"liqguard/internal/settlement"
	"liqguard/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *eventRecorder) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	clock    *testClock
	store    *storage.MemoryStore
	norm     *prices.Normalizer
	sim      *settlement.Simulated
	exec     settlement.Executor
	events   *eventRecorder
	registry *metrics.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sim := settlement.NewSimulated(0)
	return &fixture{
		clock:    clock,
		store:    storage.NewMemoryStore(clock.Now),
		norm:     prices.NewNormalizer(time.Minute, prices.WithClock(clock.Now)),
		sim:      sim,
		exec:     settlement.NewGuarded(sim, settlement.NewMemoryLedger(), zerolog.Nop()),
		events:   &eventRecorder{},
		registry: metrics.New(),
	}
}

func (f *fixture) monitor(t *testing.T, opts Options) *Monitor {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	m, err := New(opts, Deps{
		Store:    f.store,
		Prices:   f.norm,
		Executor: f.exec,
		Notifier: f.events,
		Metrics:  f.registry,
	}, zerolog.Nop())
	require.NoError(t, err)
	m.now = f.clock.Now
	return m
}

// setPrice publishes price (in cents) for asset at the current clock time.
func (f *fixture) setPrice(asset domain.Asset, cents int64) {
	f.norm.Ingest(domain.PriceSample{
		Asset:       asset,
		Mantissa:    cents,
		Exponent:    -2,
		Confidence:  decimal.Zero,
		PublishedAt: f.clock.Now(),
		Source:      "test",
	})
}

func (f *fixture) createPolicy(t *testing.T, asset domain.Asset, side domain.Side, strike string, tenor time.Duration) string {
	t.Helper()
	expires := f.clock.Now().Add(tenor)
	id, err := f.store.Create(context.Background(), domain.Policy{
		Asset:             asset,
		OwnerIdentity:     "owner",
		PayoutDestination: "0x000000000000000000000000000000000000dEaD",
		StrikePrice:       decimal.RequireFromString(strike),
		Side:              side,
		CoverageAmount:    decimal.NewFromInt(1000),
		PremiumAmount:     decimal.NewFromInt(12),
		ExpiresAt:         &expires,
		PremiumPaid:       true,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) domain.PolicyStatus {
	t.Helper()
	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestPutBreachResolvesPolicy(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	safe := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "80", time.Hour)

	f.setPrice(domain.AssetBTC, 8999)
	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Active)
	assert.Equal(t, 1, report.Breached)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, domain.StatusResolved, f.status(t, id))
	assert.Equal(t, domain.StatusActive, f.status(t, safe))

	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p.SettlementRef)
	require.Len(t, f.sim.Transfers(), 1)
	assert.Equal(t, string(f.sim.Transfers()[0].Ref), *p.SettlementRef)
	assert.Equal(t, []alerting.Kind{alerting.KindResolved}, f.events.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.registry.Resolutions.WithLabelValues("BTC")))
}

func TestCallBreachResolvesPolicy(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetETH}})
	id := f.createPolicy(t, domain.AssetETH, domain.SideCall, "3000", time.Hour)

	f.setPrice(domain.AssetETH, 300001)
	report, err := m.EvaluateAsset(context.Background(), domain.AssetETH)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, domain.StatusResolved, f.status(t, id))
}

func TestPriceAtStrikeNeverResolves(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	put := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	call := f.createPolicy(t, domain.AssetBTC, domain.SideCall, "90", time.Hour)

	f.setPrice(domain.AssetBTC, 9000)
	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)

	assert.Zero(t, report.Breached)
	assert.Equal(t, domain.StatusActive, f.status(t, put))
	assert.Equal(t, domain.StatusActive, f.status(t, call))
	assert.Empty(t, f.sim.Transfers())
}

func TestExpiryBeatsBreach(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Minute)

	f.clock.Advance(time.Minute)
	f.setPrice(domain.AssetBTC, 5000)
	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Breached)
	assert.Equal(t, domain.StatusExpired, f.status(t, id))
	assert.Empty(t, f.sim.Transfers())
	assert.Equal(t, []alerting.Kind{alerting.KindExpired}, f.events.kinds())
}

func TestStalePriceSkipsTick(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetSOL}})
	id := f.createPolicy(t, domain.AssetSOL, domain.SidePut, "100", time.Hour)

	f.setPrice(domain.AssetSOL, 5000)
	f.clock.Advance(2 * time.Minute)
	report, err := m.EvaluateAsset(context.Background(), domain.AssetSOL)
	require.NoError(t, err)

	assert.Equal(t, "stale_price", report.Skipped)
	assert.Equal(t, domain.StatusActive, f.status(t, id))
	assert.Empty(t, f.sim.Transfers())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.registry.TickSkips.WithLabelValues("SOL", "stale_price")))
}

func TestMissingPriceSkipsTick(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetSOL}})

	report, err := m.EvaluateAsset(context.Background(), domain.AssetSOL)
	require.NoError(t, err)
	assert.Equal(t, "no_price", report.Skipped)
}

func TestConcurrentReplicasPayOnce(t *testing.T) {
	f := newFixture(t)
	f.sim.Delay = 10 * time.Millisecond
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	const replicas = 10
	monitors := make([]*Monitor, replicas)
	for i := range monitors {
		monitors[i] = f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for _, m := range monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
			assert.NoError(t, err)
			mu.Lock()
			resolved += report.Resolved
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	assert.Equal(t, 1, resolved)
	assert.Len(t, f.sim.Transfers(), 1)
	assert.Equal(t, domain.StatusResolved, f.status(t, id))
}

func TestConcurrentTicksOnOneMonitorPayOnce(t *testing.T) {
	f := newFixture(t)
	f.sim.Delay = 10 * time.Millisecond
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.sim.Transfers(), 1)
	assert.Equal(t, domain.StatusResolved, f.status(t, id))
	assert.False(t, m.Resolving(id))
}

func TestPayoutTimeoutRetriesWithoutRepaying(t *testing.T) {
	f := newFixture(t)
	f.sim.ConfirmAfter = time.Hour
	m := f.monitor(t, Options{
		Assets:        []domain.Asset{domain.AssetBTC},
		PayoutTimeout: 30 * time.Millisecond,
	})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, domain.StatusActive, f.status(t, id))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.registry.Payouts.WithLabelValues("BTC", "timeout")))

	f.sim.ConfirmAfter = 0
	report, err = m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, domain.StatusResolved, f.status(t, id))
	assert.Len(t, f.sim.Transfers(), 1)
}

func TestFailedPayoutStaysActive(t *testing.T) {
	f := newFixture(t)
	f.sim.FailWith = errors.New("insufficient funds")
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, domain.StatusActive, f.status(t, id))

	f.sim.FailWith = nil
	report, err = m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
}

func TestRevertedPayoutIsResubmitted(t *testing.T) {
	f := newFixture(t)
	f.sim.Revert = true
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	for i := 0; i < 2; i++ {
		report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, domain.StatusActive, f.status(t, id))
	}
	require.Len(t, f.sim.Transfers(), 2)

	f.sim.Revert = false
	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	transfers := f.sim.Transfers()
	require.Len(t, transfers, 3)
	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, p.Status)
	require.NotNil(t, p.SettlementRef)
	assert.Equal(t, string(transfers[2].Ref), *p.SettlementRef)
}

func TestLostSubmitAckPaysOnce(t *testing.T) {
	f := newFixture(t)
	f.sim.DropAck = context.DeadlineExceeded
	f.sim.ConfirmAfter = time.Hour
	m := f.monitor(t, Options{
		Assets:        []domain.Asset{domain.AssetBTC},
		PayoutTimeout: 30 * time.Millisecond,
	})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, domain.StatusActive, f.status(t, id))

	f.sim.DropAck = nil
	f.sim.ConfirmAfter = 0
	report, err = m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, domain.StatusResolved, f.status(t, id))
	assert.Len(t, f.sim.Transfers(), 1)
}

func TestResolveConflictIsNotAnError(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)

	// another actor resolves between the payout and our CAS
	ok, err := f.store.TryResolve(context.Background(), id, domain.StatusActive, "elsewhere")
	require.NoError(t, err)
	require.True(t, ok)

	outcome := m.settle(context.Background(), p, prices.Quote{Asset: domain.AssetBTC, Price: decimal.NewFromInt(80)})
	assert.Equal(t, outcomeConflict, outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.registry.Conflicts.WithLabelValues("BTC")))
}

func TestSweepExpiredAcrossAssets(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{})
	a := f.createPolicy(t, domain.AssetBTC, domain.SideCall, "100", time.Minute)
	b := f.createPolicy(t, domain.AssetSOL, domain.SidePut, "10", time.Minute)
	c := f.createPolicy(t, domain.AssetETH, domain.SidePut, "10", time.Hour)

	f.clock.Advance(time.Minute)
	n, err := m.SweepExpired(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.StatusExpired, f.status(t, a))
	assert.Equal(t, domain.StatusExpired, f.status(t, b))
	assert.Equal(t, domain.StatusActive, f.status(t, c))

	n, err = m.SweepExpired(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type heldLocker struct{}

func (heldLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestAdvisoryLockHeldElsewhereSkips(t *testing.T) {
	f := newFixture(t)
	m, err := New(Options{Assets: []domain.Asset{domain.AssetBTC}, LockKey: 42}, Deps{
		Store:    f.store,
		Prices:   f.norm,
		Executor: f.exec,
		Locker:   heldLocker{},
	}, zerolog.Nop())
	require.NoError(t, err)
	f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 8000)

	report, err := m.EvaluateAsset(context.Background(), domain.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, "locked", report.Skipped)
	assert.Empty(t, f.sim.Transfers())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{}, zerolog.Nop())
	require.Error(t, err)
}

func TestTriggerReevaluatesWithCachedPrice(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{
		Assets:              []domain.Asset{domain.AssetBTC},
		Interval:            time.Hour,
		ExpirySweepInterval: time.Hour,
	})
	id := f.createPolicy(t, domain.AssetBTC, domain.SidePut, "90", time.Hour)
	f.setPrice(domain.AssetBTC, 9500)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	btc := domain.AssetBTC
	// the reported price is below the strike but the cached price is not
	ack, err := m.Trigger(ctx, Notification{Asset: &btc, CurrentPrice: decimal.NewFromInt(1), Side: domain.SidePut})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, []domain.Asset{domain.AssetBTC}, ack.Assets)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.registry.Ticks.WithLabelValues("BTC")) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusActive, f.status(t, id))

	f.clock.Advance(time.Second)
	f.setPrice(domain.AssetBTC, 8000)
	_, err = m.Trigger(ctx, Notification{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.status(t, id) == domain.StatusResolved
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTriggerUnknownAsset(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(t, Options{Assets: []domain.Asset{domain.AssetBTC}})
	sol := domain.AssetSOL
	_, err := m.Trigger(context.Background(), Notification{Asset: &sol})
	require.ErrorIs(t, err, domain.ErrUnknownAsset)
}
