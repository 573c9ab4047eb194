package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"liqguard/internal/domain"
)

// Guarded wraps an Executor so each idempotency key has at most one live
// transfer. Later callers for the same key get the recorded ref back, or
// ErrSettlementInFlight while the first claimant is still submitting. A
// recorded transfer that failed on chain moved no funds, so the key is
// taken over and the payout submitted again.
type Guarded struct {
	inner  Executor
	ledger Ledger
	logger zerolog.Logger
}

// NewGuarded wraps inner with ledger.
func NewGuarded(inner Executor, ledger Ledger, logger zerolog.Logger) *Guarded {
	return &Guarded{
		inner:  inner,
		ledger: ledger,
		logger: logger.With().Str("component", "settlement").Logger(),
	}
}

func (g *Guarded) Initiate(ctx context.Context, req Request) (Ref, error) {
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}

	ref, claimed, err := g.ledger.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
	}
	if !claimed {
		if ref == "" {
			return "", fmt.Errorf("%w: policy %s", domain.ErrSettlementInFlight, req.PolicyID)
		}
		retry, err := g.takeOverFailed(ctx, req, ref)
		if err != nil {
			return "", err
		}
		if !retry {
			g.logger.Debug().Str("policy_id", req.PolicyID).Str("ref", string(ref)).Msg("payout already submitted")
			return ref, nil
		}
	}

	ref, err = g.inner.Initiate(ctx, req)
	if err != nil {
		var unsure *BroadcastError
		if errors.As(err, &unsure) && unsure.Ref != "" {
			// the transfer may be out; track it instead of sending another
			g.record(ctx, req, unsure.Ref)
			g.logger.Warn().Err(err).Str("policy_id", req.PolicyID).Str("ref", string(unsure.Ref)).Msg("payout submission unconfirmed")
			return unsure.Ref, nil
		}
		if relErr := g.ledger.Release(context.WithoutCancel(ctx), req.IdempotencyKey); relErr != nil {
			g.logger.Warn().Err(relErr).Str("policy_id", req.PolicyID).Msg("release payout claim")
		}
		return "", err
	}

	g.record(ctx, req, ref)
	g.logger.Info().
		Str("policy_id", req.PolicyID).
		Str("ref", string(ref)).
		Str("amount", req.Amount.String()).
		Str("destination", req.Destination).
		Msg("payout submitted")
	return ref, nil
}

// takeOverFailed reports whether the recorded ref failed and this caller
// now holds the key for a fresh submission.
func (g *Guarded) takeOverFailed(ctx context.Context, req Request, ref Ref) (bool, error) {
	status, err := g.inner.Status(ctx, ref)
	if err != nil || status != StatusFailed {
		return false, nil
	}
	ok, err := g.ledger.Reclaim(ctx, req.IdempotencyKey, ref)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: policy %s", domain.ErrSettlementInFlight, req.PolicyID)
	}
	g.logger.Warn().Str("policy_id", req.PolicyID).Str("failed_ref", string(ref)).Msg("previous payout failed, resubmitting")
	return true, nil
}

func (g *Guarded) record(ctx context.Context, req Request, ref Ref) {
	if err := g.ledger.Record(context.WithoutCancel(ctx), req.IdempotencyKey, ref); err != nil {
		// keep the claim so nobody pays twice
		g.logger.Error().Err(err).Str("policy_id", req.PolicyID).Str("ref", string(ref)).Msg("record payout ref")
	}
}

func (g *Guarded) Status(ctx context.Context, ref Ref) (Status, error) {
	return g.inner.Status(ctx, ref)
}

var _ Executor = (*Guarded)(nil)
