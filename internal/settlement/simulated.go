package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"liqguard/internal/domain"
)

// Transfer is a payout recorded by the simulated executor.
type Transfer struct {
	Ref         Ref
	Request     Request
	SubmittedAt time.Time
	Reverted    bool
}

// Simulated pays out into memory. Transfers confirm once ConfirmAfter has
// elapsed. FailWith makes Initiate fail before anything is sent. Revert marks
// transfers submitted while it is set as failed on chain. DropAck sends the
// transfer but reports DropAck to the caller as a BroadcastError.
type Simulated struct {
	ConfirmAfter time.Duration
	FailWith     error
	Revert       bool
	DropAck      error
	Delay        time.Duration

	mu        sync.Mutex
	transfers map[Ref]Transfer
	order     []Ref
	now       func() time.Time
}

// NewSimulated builds a simulated executor that confirms after confirmAfter.
func NewSimulated(confirmAfter time.Duration) *Simulated {
	return &Simulated{
		ConfirmAfter: confirmAfter,
		transfers:    make(map[Ref]Transfer),
		now:          time.Now,
	}
}

func (s *Simulated) Initiate(ctx context.Context, req Request) (Ref, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", domain.ErrSettlementTimeout, ctx.Err())
		case <-time.After(s.Delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSettlementFailed, s.FailWith)
	}
	if req.Destination == "" {
		return "", fmt.Errorf("%w: payout destination missing", domain.ErrSettlementFailed)
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: non-positive amount %s", domain.ErrSettlementFailed, req.Amount)
	}

	ref := Ref("sim-" + uuid.NewString())
	s.transfers[ref] = Transfer{Ref: ref, Request: req, SubmittedAt: s.now(), Reverted: s.Revert}
	s.order = append(s.order, ref)
	if s.DropAck != nil {
		return "", &BroadcastError{Ref: ref, Err: fmt.Errorf("%w: %w", domain.ErrSettlementTimeout, s.DropAck)}
	}
	return ref, nil
}

func (s *Simulated) Status(ctx context.Context, ref Ref) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[ref]
	if !ok {
		return "", fmt.Errorf("unknown transfer %s", ref)
	}
	if t.Reverted {
		return StatusFailed, nil
	}
	if s.now().Sub(t.SubmittedAt) < s.ConfirmAfter {
		return StatusPending, nil
	}
	return StatusConfirmed, nil
}

// Transfers lists submitted transfers in submission order.
func (s *Simulated) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, 0, len(s.order))
	for _, ref := range s.order {
		out = append(out, s.transfers[ref])
	}
	return out
}

var _ Executor = (*Simulated)(nil)
