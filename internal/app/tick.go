package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liqguard/internal/domain"
)

// Tick runs one evaluation pass per asset and exits, for cron-style
// deployments. DryRun reports breached and expired policies without touching
// them.
func (a *App) Tick(ctx context.Context, opts TickOptions) error {
	if err := a.requireDatabase(); err != nil {
		return err
	}
	assets, err := a.tickAssets(opts.Assets)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	norm, feed := a.newPrices(store)

	if opts.DryRun {
		a.Logger.Warn().Msg("tick dry-run: no payouts and no status changes")
		for _, asset := range assets {
			if err := feed.Refresh(ctx, asset); err != nil {
				a.Logger.Error().Err(err).Str("asset", string(asset)).Msg("price refresh failed")
				continue
			}
			q, err := norm.Latest(asset)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			expired, err := store.ListExpired(ctx, &asset, now)
			if err != nil {
				return err
			}
			active, err := store.GetActive(ctx, &asset, now)
			if err != nil {
				return err
			}
			breached := 0
			for _, p := range active {
				if p.BreachedBy(q.Price) {
					breached++
					fmt.Fprintf(a.Out, "%s would pay policy %s (%s strike %s) at %s\n",
						asset, p.ID, p.Side, p.StrikePrice.String(), q.Price.String())
				}
			}
			fmt.Fprintf(a.Out, "%s: %d active, %d breached, %d to expire\n", asset, len(active), breached, len(expired))
		}
		return nil
	}

	exec, closeExec, err := a.newExecutor()
	if err != nil {
		return err
	}
	defer closeExec()

	mon, err := a.newMonitor(store, norm, feed, exec)
	if err != nil {
		return err
	}

	failed := 0
	for _, asset := range assets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		report, err := mon.EvaluateAsset(ctx, asset)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("asset", string(asset)).Msg("evaluation failed")
			continue
		}
		fmt.Fprintf(a.Out, "%s: price %s, %d active, %d expired, %d resolved, %d failed%s\n",
			asset, report.Price.String(), report.Active, report.Expired, report.Resolved, report.Failed, skipNote(report.Skipped))
	}
	if failed > 0 {
		return errors.New("some assets failed to evaluate, check the logs")
	}
	return nil
}

func (a *App) tickAssets(raw []string) ([]domain.Asset, error) {
	if len(raw) == 0 {
		return a.Config.MonitoredAssets()
	}
	out := make([]domain.Asset, 0, len(raw))
	for _, r := range raw {
		asset, err := domain.ParseAsset(r)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

func skipNote(reason string) string {
	if reason == "" {
		return ""
	}
	return " (skipped: " + reason + ")"
}
