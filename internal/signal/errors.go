package signal

import "errors"

var (
	// ErrConflict is returned by a Store when a conditional write loses: a
	// dedupe key that already exists, or a status precondition that no longer
	// holds. Service methods resolve it locally and never return it.
	ErrConflict = errors.New("conflict")

	// ErrInvariantViolation marks a caller bug, such as SUPPRESSED -> ACTIVE.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned when a signal or account state does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotConfigured is returned when an operation needs a collaborator the
	// instance was built without.
	ErrNotConfigured = errors.New("not configured")

	// ErrInvalidSignal is returned when a candidate signal fails validation.
	ErrInvalidSignal = errors.New("invalid signal")
)
