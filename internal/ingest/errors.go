package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotEscalated is returned when a human reply targets a ticket that
	// is not waiting for a human.
	ErrNotEscalated = errors.New("ticket is not escalated")
)

// ValidationError reports a rejected request field. Its message is safe to
// show to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
