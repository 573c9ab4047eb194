package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side selects the barrier direction of a policy.
//
// A Call pays out when the price rises above the strike (protects a short),
// a Put pays out when the price falls below it (protects a long).
type Side string

const (
	SideCall Side = "call"
	SidePut  Side = "put"
)

// ParseSide accepts call/put in any case.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideCall:
		return SideCall, nil
	case SidePut:
		return SidePut, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSide, raw)
	}
}

// Breached reports whether price has strictly crossed strike in the paying
// direction. Equality never breaches.
func (s Side) Breached(price, strike decimal.Decimal) bool {
	switch s {
	case SideCall:
		return price.GreaterThan(strike)
	case SidePut:
		return price.LessThan(strike)
	default:
		return false
	}
}

// Crossed is the inclusive variant used by pricing: once the spot sits on or
// past the barrier the touch is certain.
func (s Side) Crossed(spot, strike float64) bool {
	switch s {
	case SideCall:
		return spot >= strike
	case SidePut:
		return spot <= strike
	default:
		return false
	}
}

func (s Side) String() string { return string(s) }
