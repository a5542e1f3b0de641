package types

import "errors"

// Sentinel errors for the execution system.
var (
	// Terminal failures surfaced to the caller
	ErrSizeExhausted              = errors.New("size exhausted: shrink ladder bound reached")
	ErrReconciliationInconclusive = errors.New("reconciliation inconclusive: filled quantity unknown for terminal order")
	ErrFloorViolation             = errors.New("invariant violation: order price below floor")

	// Normalizer conditions
	ErrInconclusiveTerminal = errors.New("terminal state without usable filled quantity")
	ErrMalformedPayload     = errors.New("malformed status payload")

	// Intent lifecycle errors
	ErrIntentActive      = errors.New("sell intent already active for instrument/side")
	ErrIntentNotFound    = errors.New("sell intent not found")
	ErrIntentTerminated  = errors.New("sell intent already terminated")
	ErrPlacementExceeded = errors.New("placement attempts exhausted")
	ErrStopped           = errors.New("sell intent stopped by operator")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSize   = errors.New("invalid order size")
	ErrInvalidPrice  = errors.New("invalid price value")
	ErrNoQuote       = errors.New("no best ask available")

	// State errors
	ErrStateNotFound = errors.New("state not found")
)
