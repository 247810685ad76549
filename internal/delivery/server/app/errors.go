package app

import (
	"errors"
	"fmt"
)

// Domain error sentinels for the application layer. These enable consistent
// HTTP status and result-code mapping via errors.Is().

var (
	// ErrNotFound indicates the requested task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input from the caller.
	ErrValidation = errors.New("validation error")

	// ErrUnavailable indicates no live instance can take the work.
	ErrUnavailable = errors.New("service unavailable")

	// ErrConflict indicates a state conflict (e.g. cancel on a finished task).
	ErrConflict = errors.New("conflict")
)

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}

// ValidationError wraps ErrValidation with a descriptive message.
func ValidationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

// UnavailableError wraps ErrUnavailable with a descriptive message.
func UnavailableError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrUnavailable)
}

// ConflictError wraps ErrConflict with a descriptive message.
func ConflictError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConflict)
}
