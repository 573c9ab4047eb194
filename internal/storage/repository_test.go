package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/domain"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.Get(ctx, "x")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.GetActive(ctx, nil, time.Now())
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.TryResolve(ctx, "x", domain.StatusActive, "ref")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.RecordPriceSample(ctx, domain.PriceSample{}), ErrNotConfigured)
	s.Close()
}

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(PolicyFilter{})
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)

	asset := domain.AssetETH
	status := domain.StatusActive
	query, args = buildListQuery(PolicyFilter{Asset: &asset, Status: &status, Owner: "o", Limit: 5})
	assert.Contains(t, query, "WHERE asset = $1 AND status = $2 AND owner_identity = $3")
	assert.Contains(t, query, "LIMIT $4")
	assert.Equal(t, []any{"ETH", "active", "o", 5}, args)
}
