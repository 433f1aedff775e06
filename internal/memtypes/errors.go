package memtypes

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store and retrieval layers. Adapters wrap these
// so callers can branch with errors.Is without knowing the backend.
var (
	// ErrStoreUnavailable marks a backend connectivity or availability
	// failure. Operations wrapping it are safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRetrieverUnavailable is returned only when every retrieval arm
	// failed. Partial arm failure degrades the result instead.
	ErrRetrieverUnavailable = errors.New("retriever unavailable")

	// ErrLockHeld signals that another process holds the consolidation
	// lock. Callers treat it as "nothing to do", not a failure.
	ErrLockHeld = errors.New("consolidation lock held")

	// ErrNotFound is returned for lookups of unknown or soft-deleted nodes.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports rejected input. It never wraps
// ErrStoreUnavailable and is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Validation builds a ValidationError.
func Validation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IntegrityError reports a node that violates the data model, such as a
// metadata key shadowing a reserved attribute or an embedding with the
// wrong dimensionality.
type IntegrityError struct {
	NodeID string
	Msg    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: node %s: %s", e.NodeID, e.Msg)
}

// Retryable reports whether err is worth retrying: store availability
// failures are, everything else (validation, integrity, cancellation) is
// not.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
