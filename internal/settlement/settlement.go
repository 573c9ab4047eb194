package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
)

// Status of a submitted transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Ref identifies a submitted transfer, e.g. a transaction hash.
type Ref string

// Request describes one payout.
type Request struct {
	IdempotencyKey string
	PolicyID       string
	Asset          domain.Asset
	Destination    string
	Amount         decimal.Decimal
}

// Executor moves funds. Initiate may return before the transfer is final;
// callers poll Status until it confirms or fails.
type Executor interface {
	Initiate(ctx context.Context, req Request) (Ref, error)
	Status(ctx context.Context, ref Ref) (Status, error)
}

// BroadcastError reports a submission whose outcome is unknown: the
// transfer identified by Ref may already be on the network. Callers must
// track Ref instead of submitting again.
type BroadcastError struct {
	Ref Ref
	Err error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("transfer %s may have been broadcast: %v", e.Ref, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IdempotencyKey derives the payout key for a policy. Every monitor instance
// computes the same key for the same breach.
func IdempotencyKey(policyID string) string {
	sum := sha256.Sum256([]byte("liqguard:payout:" + policyID))
	return hex.EncodeToString(sum[:])
}

// RequestFor builds the payout request for a policy.
func RequestFor(p domain.Policy) Request {
	return Request{
		IdempotencyKey: IdempotencyKey(p.ID),
		PolicyID:       p.ID,
		Asset:          p.Asset,
		Destination:    p.PayoutDestination,
		Amount:         p.CoverageAmount,
	}
}

// Await polls ref until it is confirmed, fails, or ctx ends. A context
// deadline is reported as ErrSettlementTimeout and never as success.
func Await(ctx context.Context, exec Executor, ref Ref, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := exec.Status(ctx, ref)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: status %s: %w", domain.ErrSettlementFailed, ref, err)
		}
		switch status {
		case StatusConfirmed:
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: transfer %s reverted", domain.ErrSettlementFailed, ref)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", domain.ErrSettlementTimeout, ref, ctx.Err())
		case <-ticker.C:
		}
	}
}
