package model

import "errors"

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidIntent        = errors.New("invalid order intent")
	ErrInvalidTransition    = errors.New("invalid order state transition")
	ErrRateLimitTimeout     = errors.New("rate limit slot not acquired before deadline")
	ErrPartitionLockTimeout = errors.New("partition lock not acquired before deadline")
	ErrOrderClaimed         = errors.New("order already claimed")
	ErrVenueUnknown         = errors.New("unknown venue")
	ErrVenueMismatch        = errors.New("partition already holds orders for a different venue")
)

// FailureClass buckets a venue rejection for retry policy.
type FailureClass string

const (
	FailureInsufficientBalance FailureClass = "insufficient_balance"
	FailureRateLimited         FailureClass = "rate_limited"
	FailureInvalidSymbol       FailureClass = "invalid_symbol"
	FailureQuotaExceeded       FailureClass = "quota_exceeded"
	FailureNetwork             FailureClass = "network_error"
	FailureUnknown             FailureClass = "unknown"
)

// Recoverable reports whether an order may stay queued and be retried after
// a failure of this class.
func (c FailureClass) Recoverable() bool {
	return c == FailureRateLimited || c == FailureNetwork
}
