package domain

import "errors"

// Error categories surfaced to the API layer. Services wrap these with
// fmt.Errorf("...: %w", ...) so callers can render "already occupied"
// differently from "not found" via errors.Is.
var (
	// ErrValidation marks malformed input, rejected before any transaction.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an absent unit, lease, tenant or payment.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an ownership or role check failure.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState marks a transition the state machine does not allow,
	// such as terminating a lease that is not active.
	ErrInvalidState = errors.New("invalid state")

	// ErrNoActiveLease marks a payment attempt with no active lease to
	// attribute it to.
	ErrNoActiveLease = errors.New("no active lease")

	// ErrConflict marks the losing side of the one-active-lease-per-unit
	// race, detected by the store's uniqueness constraint.
	ErrConflict = errors.New("unit already has an active lease")

	// ErrUpstreamUnavailable marks a retryable gateway auth or network
	// failure.
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")
)
