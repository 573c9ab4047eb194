package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
	"liqguard/internal/monitor"
	"liqguard/internal/prices"
	"liqguard/internal/settlement"
	"liqguard/internal/storage"
)

// SimulateBreach replays one monitor tick for asset at price against a copy
// of the active book. Payouts go to a simulated executor and nothing is
// written back, so it is safe against a production database.
func (a *App) SimulateBreach(ctx context.Context, assetRaw string, price decimal.Decimal) error {
	asset, err := domain.ParseAsset(assetRaw)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be greater than zero", domain.ErrValidation)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()
	active, err := store.GetActive(ctx, &asset, now)
	if err != nil {
		return err
	}
	book := storage.NewMemoryStore(nil)
	for _, p := range active {
		if _, err := book.Create(ctx, p); err != nil {
			return fmt.Errorf("copy policy %s: %w", p.ID, err)
		}
	}

	report, sim, err := a.simulate(ctx, book, asset, price, now)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "%s at %s: %d active, %d breached, %d resolved, %d failed\n",
		asset, price.String(), report.Active, report.Breached, report.Resolved, report.Failed)
	for _, t := range sim.Transfers() {
		fmt.Fprintf(a.Out, "  payout %s policy %s amount %s to %s\n",
			t.Ref, t.Request.PolicyID, t.Request.Amount.String(), t.Request.Destination)
	}
	return nil
}

func (a *App) simulate(ctx context.Context, book *storage.MemoryStore, asset domain.Asset, price decimal.Decimal, now time.Time) (monitor.Report, *settlement.Simulated, error) {
	norm := prices.NewNormalizer(a.Config.Oracle.MaxAge)
	norm.Ingest(domain.PriceSample{
		Asset:       asset,
		Mantissa:    price.Shift(8).IntPart(),
		Exponent:    -8,
		Confidence:  decimal.Zero,
		PublishedAt: now,
		Source:      "simulated",
	})

	sim := settlement.NewSimulated(0)
	mon, err := monitor.New(monitor.Options{
		Assets:        []domain.Asset{asset},
		Interval:      a.Config.Scheduler.Interval,
		PayoutTimeout: a.Config.Settlement.PayoutTimeout,
		PollInterval:  10 * time.Millisecond,
		Workers:       a.Config.Settlement.Workers,
	}, monitor.Deps{
		Store:    book,
		Prices:   norm,
		Executor: settlement.NewGuarded(sim, settlement.NewMemoryLedger(), a.Logger),
		Notifier: a.newNotifier(),
	}, a.Logger)
	if err != nil {
		return monitor.Report{}, nil, err
	}

	report, err := mon.EvaluateAsset(ctx, asset)
	return report, sim, err
}
