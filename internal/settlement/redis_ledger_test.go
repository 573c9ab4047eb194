package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLedgerClaimFresh(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db, "test:", time.Minute)

	mock.ExpectSetNX("test:k", pendingMarker, time.Minute).SetVal(true)

	ref, claimed, err := l.Claim(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, ref)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedgerClaimHeld(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db, "test:", time.Minute)

	mock.ExpectSetNX("test:k", pendingMarker, time.Minute).SetVal(false)
	mock.ExpectGet("test:k").SetVal(pendingMarker)
	mock.ExpectSetNX("test:k", pendingMarker, time.Minute).SetVal(false)
	mock.ExpectGet("test:k").SetVal("0xabc")

	ref, claimed, err := l.Claim(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, ref)

	ref, claimed, err = l.Claim(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, Ref("0xabc"), ref)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedgerClaimExpiredBetweenCalls(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db, "test:", time.Minute)

	mock.ExpectSetNX("test:k", pendingMarker, time.Minute).SetVal(false)
	mock.ExpectGet("test:k").RedisNil()

	ref, claimed, err := l.Claim(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, ref)
}

func TestRedisLedgerRecordAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db, "test:", time.Minute)

	mock.ExpectSet("test:k", "0xabc", 0).SetVal("OK")
	mock.ExpectDel("test:k").SetVal(1)

	require.NoError(t, l.Record(context.Background(), "k", "0xabc"))
	require.NoError(t, l.Release(context.Background(), "k"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedgerReclaim(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db, "test:", time.Minute)

	ttl := time.Minute.Milliseconds()
	mock.ExpectEvalSha(reclaimScript.Hash(), []string{"test:k"}, "0xdead", pendingMarker, ttl).SetVal(int64(1))
	mock.ExpectEvalSha(reclaimScript.Hash(), []string{"test:k"}, "0xdead", pendingMarker, ttl).SetVal(int64(0))

	ok, err := l.Reclaim(context.Background(), "k", "0xdead")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reclaim(context.Background(), "k", "0xdead")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedgerPropagatesErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLedger(db, "test:", time.Minute)

	mock.ExpectSetNX("test:k", pendingMarker, time.Minute).SetErr(errors.New("connection refused"))

	_, _, err := l.Claim(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRedisLedgerDefaults(t *testing.T) {
	db, _ := redismock.NewClientMock()
	l := NewRedisLedger(db, "", 0)
	assert.Equal(t, "liqguard:payout:", l.prefix)
	assert.Equal(t, 10*time.Minute, l.ttl)
}
