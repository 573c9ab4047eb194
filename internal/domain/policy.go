package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyStatus is the authoritative lifecycle state kept by the store.
type PolicyStatus string

const (
	StatusPending   PolicyStatus = "pending"
	StatusActive    PolicyStatus = "active"
	StatusResolved  PolicyStatus = "resolved"
	StatusExpired   PolicyStatus = "expired"
	StatusCancelled PolicyStatus = "cancelled"
)

// ParseStatus parses a persisted status value.
func ParseStatus(raw string) (PolicyStatus, error) {
	switch s := PolicyStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusActive, StatusResolved, StatusExpired, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}

// Terminal reports whether no further transition is allowed.
func (s PolicyStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to PolicyStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusResolved || to == StatusExpired || to == StatusCancelled
	default:
		return false
	}
}

// Policy is a liquidation insurance contract on one asset.
type Policy struct {
	ID                string
	Asset             Asset
	OwnerIdentity     string
	PayoutDestination string
	StrikePrice       decimal.Decimal
	Side              Side
	CoverageAmount    decimal.Decimal
	PremiumAmount     decimal.Decimal
	ExpiresAt         *time.Time
	Status            PolicyStatus
	PremiumPaid       bool
	PaymentRef        *string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	SettlementRef     *string
}

// Validate checks the static invariants of a policy record.
func (p Policy) Validate() error {
	if _, err := ParseAsset(string(p.Asset)); err != nil {
		return err
	}
	if _, err := ParseSide(string(p.Side)); err != nil {
		return err
	}
	if strings.TrimSpace(p.OwnerIdentity) == "" {
		return fmt.Errorf("%w: owner identity is required", ErrValidation)
	}
	if !p.StrikePrice.IsPositive() {
		return fmt.Errorf("%w: strike price must be greater than zero", ErrValidation)
	}
	if !p.CoverageAmount.IsPositive() {
		return fmt.Errorf("%w: coverage amount must be greater than zero", ErrValidation)
	}
	if p.PremiumAmount.IsNegative() {
		return fmt.Errorf("%w: premium amount cannot be negative", ErrValidation)
	}
	if p.Status == StatusActive && !p.PremiumPaid {
		return ErrPremiumNotPaid
	}
	if p.ResolvedAt != nil && p.Status != StatusResolved {
		return fmt.Errorf("%w: resolved_at set on %s policy", ErrValidation, p.Status)
	}
	return nil
}

// ExpiredAt reports whether the policy has reached its expiry at now.
func (p Policy) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// BreachedBy reports whether price triggers this policy's payout.
func (p Policy) BreachedBy(price decimal.Decimal) bool {
	return p.Side.Breached(price, p.StrikePrice)
}
