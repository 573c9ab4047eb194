package domain

import "errors"

// Validation errors are rejected synchronously and never retried.
var (
	ErrValidation     = errors.New("validation error")
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrUnknownSide    = errors.New("unknown side")
	ErrPremiumNotPaid = errors.New("premium not paid")
)

// Oracle errors cause a monitor tick to be skipped for the asset.
var (
	ErrNoPriceAvailable = errors.New("no price available")
	ErrStalePrice       = errors.New("stale price")
)

// ErrInvalidPricingInput rejects a single quote.
var ErrInvalidPricingInput = errors.New("invalid pricing input")

// Settlement errors leave the policy active for the next tick.
var (
	ErrSettlementFailed   = errors.New("settlement failed")
	ErrSettlementInFlight = errors.New("settlement already in flight")
	ErrSettlementTimeout  = errors.New("settlement timed out")
)

// Store errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// IsOracleError reports whether err should only skip a tick.
func IsOracleError(err error) bool {
	return errors.Is(err, ErrNoPriceAvailable) || errors.Is(err, ErrStalePrice)
}

// IsSettlementError reports whether err is a retryable settlement outcome.
func IsSettlementError(err error) bool {
	return errors.Is(err, ErrSettlementFailed) ||
		errors.Is(err, ErrSettlementInFlight) ||
		errors.Is(err, ErrSettlementTimeout)
}
