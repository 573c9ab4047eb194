package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// reclaimScript swaps a failed ref back to a pending claim atomically.
var reclaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// RedisLedger shares claims between monitor replicas via SET NX.
type RedisLedger struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLedger builds a ledger on client. ttl bounds how long a claim
// without a recorded ref survives a crashed claimant.
func NewRedisLedger(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "liqguard:payout:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(k string) string { return l.prefix + k }

func (l *RedisLedger) Claim(ctx context.Context, key string) (Ref, bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), pendingMarker, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim payout key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	val, err := l.client.Get(ctx, l.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// claim expired between SETNX and GET; the caller retries next tick
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read payout key: %w", err)
	case val == pendingMarker:
		return "", false, nil
	default:
		return Ref(val), false, nil
	}
}

// Record keeps the ref without expiry: a submitted transfer must never be
// forgotten.
func (l *RedisLedger) Record(ctx context.Context, key string, ref Ref) error {
	if err := l.client.Set(ctx, l.key(key), string(ref), 0).Err(); err != nil {
		return fmt.Errorf("record payout ref: %w", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("release payout key: %w", err)
	}
	return nil
}

func (l *RedisLedger) Reclaim(ctx context.Context, key string, failed Ref) (bool, error) {
	n, err := reclaimScript.Run(ctx, l.client, []string{l.key(key)}, string(failed), pendingMarker, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("reclaim payout key: %w", err)
	}
	return n == 1, nil
}

var _ Ledger = (*RedisLedger)(nil)
