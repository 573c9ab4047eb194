package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"liqguard/internal/domain"
)

// preparePolicy fills server-side fields and checks invariants before insert.
func preparePolicy(p domain.Policy, now time.Time) (domain.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := uuid.Parse(p.ID); err != nil {
		return domain.Policy{}, fmt.Errorf("%w: policy id must be a uuid", domain.ErrValidation)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.Status = domain.StatusPending
	if p.PremiumPaid {
		p.Status = domain.StatusActive
	}
	p.ResolvedAt = nil
	p.SettlementRef = nil
	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}
	return p, nil
}

func checkResolvable(expected domain.PolicyStatus) error {
	if !domain.CanTransition(expected, domain.StatusResolved) {
		return fmt.Errorf("%w: cannot resolve from %s", domain.ErrValidation, expected)
	}
	return nil
}
