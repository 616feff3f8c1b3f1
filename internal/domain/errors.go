package domain

import "errors"

// Sentinel errors. Compare with errors.Is().
var (
	// ErrInvalidInput is a contract violation: malformed price, quantity
	// or timestamp. Never silently clamped.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientDepth is returned when a book cannot fill the target
	// quantity. Callers report the reduced capacity instead of failing.
	ErrInsufficientDepth = errors.New("insufficient depth")

	// ErrSpecAmbiguous marks a matcher check that could not be decided.
	// The pair is recorded with spec_ok=false.
	ErrSpecAmbiguous = errors.New("spec check inconclusive")

	// ErrRiskRejected is wrapped by every risk-manager rejection.
	ErrRiskRejected = errors.New("risk rejected")

	// ErrVenueTimeout is an ambiguous adapter failure: the request may or
	// may not have reached the venue.
	ErrVenueTimeout = errors.New("venue timeout")

	// ErrVenueError is a definite adapter-level failure.
	ErrVenueError = errors.New("venue error")

	// ErrUnwindFailure means a flatten attempt failed and a naked
	// position remains. Trading halts until manually cleared.
	ErrUnwindFailure = errors.New("unwind failure")

	// ErrOrderUnknown means an order may be live at its venue but neither
	// its ack nor its status could be read. Its execution stays open until
	// reconciliation settles it, and trading halts meanwhile.
	ErrOrderUnknown = errors.New("order state unknown")

	// ErrStale is returned by the book cache when the latest snapshot is too old.
	ErrStale = errors.New("stale data")

	// ErrNotFound is returned when a book, market or order does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned for a state change the execution
	// state machine does not allow.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNotTradeable is returned when a plan is requested for a pair that
	// is blacklisted or failed the spec check without a force override.
	ErrNotTradeable = errors.New("pair not tradeable")
)
