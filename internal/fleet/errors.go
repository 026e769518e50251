package fleet

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for commands addressing an unknown instance id.
var ErrNotFound = errors.New("instance not found")

// ErrInvalidState is returned when a command is illegal for the instance's
// current status. Always recoverable by retrying after the state settles.
var ErrInvalidState = errors.New("command not valid in current state")

// ValidationError rejects bad input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
