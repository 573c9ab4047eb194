package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/domain"
)

func testRequest(policyID string) Request {
	return Request{
		IdempotencyKey: IdempotencyKey(policyID),
		PolicyID:       policyID,
		Asset:          domain.AssetBTC,
		Destination:    "0x000000000000000000000000000000000000dEaD",
		Amount:         decimal.RequireFromString("1000"),
	}
}

func TestIdempotencyKeyIsStablePerPolicy(t *testing.T) {
	a := IdempotencyKey("p-1")
	assert.Equal(t, a, IdempotencyKey("p-1"))
	assert.NotEqual(t, a, IdempotencyKey("p-2"))
	assert.Len(t, a, 64)
}

func TestRequestForUsesPolicyFields(t *testing.T) {
	p := domain.Policy{
		ID:                "abc",
		Asset:             domain.AssetETH,
		PayoutDestination: "0x1",
		CoverageAmount:    decimal.NewFromInt(250),
	}
	req := RequestFor(p)
	assert.Equal(t, IdempotencyKey("abc"), req.IdempotencyKey)
	assert.Equal(t, "0x1", req.Destination)
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(250)))
}

func TestAwaitConfirmed(t *testing.T) {
	sim := NewSimulated(0)
	ref, err := sim.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	require.NoError(t, Await(context.Background(), sim, ref, time.Millisecond))
}

func TestAwaitReverted(t *testing.T) {
	sim := NewSimulated(0)
	sim.Revert = true
	ref, err := sim.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	err = Await(context.Background(), sim, ref, time.Millisecond)
	require.ErrorIs(t, err, domain.ErrSettlementFailed)
}

func TestAwaitTimesOut(t *testing.T) {
	sim := NewSimulated(time.Hour)
	ref, err := sim.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = Await(ctx, sim, ref, 5*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrSettlementTimeout)
}

func TestSimulatedRejectsBadRequests(t *testing.T) {
	sim := NewSimulated(0)
	req := testRequest("p")
	req.Destination = ""
	_, err := sim.Initiate(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSettlementFailed)

	req = testRequest("p")
	req.Amount = decimal.Zero
	_, err = sim.Initiate(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrSettlementFailed)
	assert.Empty(t, sim.Transfers())
}

func TestGuardedSubmitsOncePerKey(t *testing.T) {
	sim := NewSimulated(0)
	sim.Delay = 20 * time.Millisecond
	g := NewGuarded(sim, NewMemoryLedger(), zerolog.Nop())

	const callers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		refs     = map[Ref]int{}
		inFlight int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := g.Initiate(context.Background(), testRequest("same"))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrSettlementInFlight) {
				inFlight++
				return
			}
			assert.NoError(t, err)
			refs[ref]++
		}()
	}
	wg.Wait()

	require.Len(t, sim.Transfers(), 1)
	assert.Len(t, refs, 1)
	for _, n := range refs {
		assert.Equal(t, callers, n+inFlight)
	}

	// a later caller gets the recorded ref back
	ref, err := g.Initiate(context.Background(), testRequest("same"))
	require.NoError(t, err)
	assert.Equal(t, sim.Transfers()[0].Ref, ref)
	assert.Len(t, sim.Transfers(), 1)
}

func TestGuardedReleasesClaimOnFailure(t *testing.T) {
	sim := NewSimulated(0)
	sim.FailWith = errors.New("rpc down")
	g := NewGuarded(sim, NewMemoryLedger(), zerolog.Nop())

	_, err := g.Initiate(context.Background(), testRequest("p"))
	require.ErrorIs(t, err, domain.ErrSettlementFailed)

	sim.FailWith = nil
	ref, err := g.Initiate(context.Background(), testRequest("p"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Len(t, sim.Transfers(), 1)
}

func TestGuardedRequiresKey(t *testing.T) {
	g := NewGuarded(NewSimulated(0), NewMemoryLedger(), zerolog.Nop())
	req := testRequest("p")
	req.IdempotencyKey = ""
	_, err := g.Initiate(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestMemoryLedgerReclaimOnlyMatchingRef(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	ok, err := l.Reclaim(ctx, "k", "tx-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, claimed, err := l.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, l.Record(ctx, "k", "tx-1"))

	ok, err = l.Reclaim(ctx, "k", "tx-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Reclaim(ctx, "k", "tx-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ref, claimed, err := l.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, ref)
}

func TestGuardedResubmitsAfterRevert(t *testing.T) {
	sim := NewSimulated(0)
	sim.Revert = true
	g := NewGuarded(sim, NewMemoryLedger(), zerolog.Nop())
	ctx := context.Background()

	first, err := g.Initiate(ctx, testRequest("p"))
	require.NoError(t, err)
	require.ErrorIs(t, Await(ctx, g, first, time.Millisecond), domain.ErrSettlementFailed)

	sim.Revert = false
	second, err := g.Initiate(ctx, testRequest("p"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	require.NoError(t, Await(ctx, g, second, time.Millisecond))

	// the confirmed transfer is now the one on record
	again, err := g.Initiate(ctx, testRequest("p"))
	require.NoError(t, err)
	assert.Equal(t, second, again)
	assert.Len(t, sim.Transfers(), 2)
}

func TestGuardedTracksUnconfirmedSubmission(t *testing.T) {
	sim := NewSimulated(0)
	sim.DropAck = context.DeadlineExceeded
	g := NewGuarded(sim, NewMemoryLedger(), zerolog.Nop())
	ctx := context.Background()

	ref, err := g.Initiate(ctx, testRequest("p"))
	require.NoError(t, err)
	require.Len(t, sim.Transfers(), 1)
	assert.Equal(t, sim.Transfers()[0].Ref, ref)

	sim.DropAck = nil
	again, err := g.Initiate(ctx, testRequest("p"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Len(t, sim.Transfers(), 1)
}

func TestBroadcastErrorUnwraps(t *testing.T) {
	err := error(&BroadcastError{Ref: "0x1", Err: fmt.Errorf("%w: send", domain.ErrSettlementFailed)})
	assert.ErrorIs(t, err, domain.ErrSettlementFailed)
	assert.Contains(t, err.Error(), "0x1")
}
