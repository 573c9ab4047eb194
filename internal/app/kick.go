package app

import (
	"context"
	"os"
	"time"

	"liqguard/internal/monitor"
	"liqguard/internal/prices"
)

// kickOnSignal re-evaluates every monitored asset each time sigs fires.
func (a *App) kickOnSignal(ctx context.Context, sigs <-chan os.Signal, norm *prices.Normalizer, mon *monitor.Monitor) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			a.Logger.Info().Str("signal", sig.String()).Msg("operator requested re-evaluation")
			if _, err := a.kick(ctx, norm, mon); err != nil {
				a.Logger.Error().Err(err).Msg("trigger re-evaluation")
			}
		}
	}
}

// kick logs the cached price book and schedules an immediate tick for every
// monitored asset.
func (a *App) kick(ctx context.Context, norm *prices.Normalizer, mon *monitor.Monitor) (monitor.Ack, error) {
	now := time.Now()
	book := norm.Snapshot()
	for _, asset := range mon.Assets() {
		sample, ok := book[asset]
		if !ok {
			a.Logger.Warn().Str("asset", string(asset)).Msg("no cached price")
			continue
		}
		age := sample.Age(now)
		a.Logger.Info().
			Str("asset", string(asset)).
			Str("price", sample.Price().String()).
			Str("source", sample.Source).
			Dur("age", age).
			Bool("stale", age > norm.MaxAge()).
			Msg("cached price")
	}
	return mon.Trigger(ctx, monitor.Notification{Timestamp: now})
}
