package prices

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"liqguard/internal/domain"
	"liqguard/internal/oracle"
)

// Recorder persists accepted samples for history and export.
type Recorder interface {
	RecordPriceSample(ctx context.Context, sample domain.PriceSample) error
}

// Observer is notified about every fetch outcome.
type Observer interface {
	ObserveFetch(asset domain.Asset, source string, err error)
	ObservePrice(asset domain.Asset, sample domain.PriceSample)
}

// Feed moves oracle samples into a Normalizer.
type Feed struct {
	normalizer *Normalizer
	source     oracle.Source
	recorder   Recorder
	observer   Observer
	logger     zerolog.Logger
}

// NewFeed wires a pull source into normalizer. recorder and observer are optional.
func NewFeed(normalizer *Normalizer, source oracle.Source, recorder Recorder, observer Observer, logger zerolog.Logger) *Feed {
	return &Feed{
		normalizer: normalizer,
		source:     source,
		recorder:   recorder,
		observer:   observer,
		logger:     logger.With().Str("component", "price_feed").Logger(),
	}
}

// Refresh fetches one asset from the pull source and ingests it.
func (f *Feed) Refresh(ctx context.Context, asset domain.Asset) error {
	if f.source == nil {
		return nil
	}
	raw, err := f.source.FetchLatest(ctx, asset)
	if f.observer != nil {
		f.observer.ObserveFetch(asset, f.source.Name(), err)
	}
	if err != nil {
		return err
	}
	f.Accept(ctx, raw.Sample(asset, f.source.Name()))
	return nil
}

// Accept ingests a sample from any source and records it when stored.
func (f *Feed) Accept(ctx context.Context, sample domain.PriceSample) bool {
	if !f.normalizer.Ingest(sample) {
		f.logger.Debug().Str("asset", sample.Asset.String()).Time("published_at", sample.PublishedAt).Msg("drop non-monotonic sample")
		return false
	}
	if f.observer != nil {
		f.observer.ObservePrice(sample.Asset, sample)
	}
	if f.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := f.recorder.RecordPriceSample(recordCtx, sample); err != nil {
			f.logger.Warn().Err(err).Str("asset", sample.Asset.String()).Msg("failed to record price sample")
		}
	}
	return true
}

// Consume runs a push stream until ctx is cancelled.
func (f *Feed) Consume(ctx context.Context, stream oracle.Stream, assets []domain.Asset) error {
	return stream.Subscribe(ctx, assets, func(sample domain.PriceSample) {
		f.Accept(ctx, sample)
	})
}
