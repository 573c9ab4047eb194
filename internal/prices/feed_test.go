package prices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/domain"
	"liqguard/internal/oracle"
)

type stubSource struct {
	raw oracle.RawPrice
	err error
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchLatest(ctx context.Context, asset domain.Asset) (oracle.RawPrice, error) {
	return s.raw, s.err
}

type memRecorder struct {
	mu      sync.Mutex
	samples []domain.PriceSample
}

func (m *memRecorder) RecordPriceSample(ctx context.Context, s domain.PriceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

type stubStream struct {
	samples []domain.PriceSample
}

func (s *stubStream) Subscribe(ctx context.Context, assets []domain.Asset, handle oracle.Handler) error {
	for _, sample := range s.samples {
		handle(sample)
	}
	return nil
}

func TestFeedRefreshIngestsAndRecords(t *testing.T) {
	now := time.Now().UTC()
	n := NewNormalizer(time.Minute)
	rec := &memRecorder{}
	src := &stubSource{raw: oracle.RawPrice{Mantissa: 9_500_000_000_000, Exponent: -8, PublishedAt: now}}
	f := NewFeed(n, src, rec, nil, zerolog.Nop())

	require.NoError(t, f.Refresh(context.Background(), domain.AssetBTC))
	require.NoError(t, f.Refresh(context.Background(), domain.AssetBTC))

	q, err := n.Latest(domain.AssetBTC)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(95000)))
	assert.Equal(t, "stub", q.Source)
	assert.Len(t, rec.samples, 1, "duplicate publish time must not be recorded twice")
}

func TestFeedRefreshPropagatesErrors(t *testing.T) {
	n := NewNormalizer(time.Minute)
	f := NewFeed(n, &stubSource{err: errors.New("down")}, nil, nil, zerolog.Nop())
	require.Error(t, f.Refresh(context.Background(), domain.AssetETH))

	_, err := n.Latest(domain.AssetETH)
	require.ErrorIs(t, err, domain.ErrNoPriceAvailable)
}

func TestFeedConsumeStream(t *testing.T) {
	now := time.Now().UTC()
	n := NewNormalizer(time.Minute)
	f := NewFeed(n, nil, nil, nil, zerolog.Nop())

	stream := &stubStream{samples: []domain.PriceSample{
		{Asset: domain.AssetSOL, Mantissa: 150, PublishedAt: now.Add(-2 * time.Second)},
		{Asset: domain.AssetSOL, Mantissa: 149, PublishedAt: now.Add(-3 * time.Second)},
		{Asset: domain.AssetSOL, Mantissa: 151, PublishedAt: now.Add(-1 * time.Second)},
	}}
	require.NoError(t, f.Consume(context.Background(), stream, []domain.Asset{domain.AssetSOL}))

	q, err := n.Latest(domain.AssetSOL)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(151)))
}
