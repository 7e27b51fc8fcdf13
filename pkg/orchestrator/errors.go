package orchestrator

import "errors"

// Error taxonomy surfaced to callers. The HTTP layer maps these to status
// codes; nothing in this package panics or throws for expected conditions.
var (
	// ErrValidation means bad input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrUnavailable means a circuit is open or retries are exhausted.
	ErrUnavailable = errors.New("external service unavailable")
	// ErrNotFound means an unknown transaction or reference.
	ErrNotFound = errors.New("transaction not found")
)
