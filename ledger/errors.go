package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for lookups where lazy row creation does not
	// apply (eg, listing by an unknown rank is fine, but internal row
	// lookups that must exist are not).
	ErrNotFound = errors.New("user score not found")

	// ErrConflict means the optimistic-update retry budget was exhausted.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrStoreUnavailable wraps transient backend failures that survived
	// the internal retry budget.
	ErrStoreUnavailable = errors.New("score store unavailable")
)

// ValidationError reports a bad input, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
