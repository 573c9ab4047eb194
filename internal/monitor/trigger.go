package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

// Notification is an external hint that a barrier may have been crossed.
// Its price is informational only; evaluation always uses the cached
// oracle price.
type Notification struct {
	Asset        *domain.Asset
	CurrentPrice decimal.Decimal
	StrikePrice  decimal.Decimal
	Side         domain.Side
	Timestamp    time.Time
}

// Ack confirms which assets were scheduled for re-evaluation.
type Ack struct {
	Accepted bool
	Assets   []domain.Asset
}

// Trigger schedules an immediate evaluation of the notified asset, or of
// every monitored asset when none is given. It does not wait for the tick.
func (m *Monitor) Trigger(_ context.Context, note Notification) (Ack, error) {
	targets := m.opts.Assets
	if note.Asset != nil {
		if _, ok := m.schedulers[*note.Asset]; !ok {
			return Ack{}, fmt.Errorf("%w: %s is not monitored", domain.ErrUnknownAsset, *note.Asset)
		}
		targets = []domain.Asset{*note.Asset}
	}

	for _, asset := range targets {
		m.schedulers[asset].Kick()
	}

	ev := m.logger.Info().Int("assets", len(targets))
	if note.Asset != nil {
		ev = ev.Str("asset", string(*note.Asset))
	}
	if !note.CurrentPrice.IsZero() {
		ev = ev.Str("reported_price", note.CurrentPrice.String())
	}
	ev.Msg("re-evaluation triggered")

	return Ack{Accepted: true, Assets: targets}, nil
}
