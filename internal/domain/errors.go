package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core error taxonomy. Callers classify with
// errors.Is; the concrete wrapped error carries the detail message.
var (
	// ErrValidation marks bad input to an API. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrDuplicateTask marks a queue submission that would duplicate an
	// existing pending or running task.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrBrokerTransient marks a retriable broker failure (timeout, 5xx, 429).
	ErrBrokerTransient = errors.New("transient broker error")

	// ErrBroker marks a permanent broker rejection.
	ErrBroker = errors.New("broker error")
)

// ValidationErrorf wraps a formatted message as a validation error.
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundErrorf wraps a formatted message as a not-found error.
func NotFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// BrokerErrorf wraps a formatted message as a permanent broker error.
func BrokerErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBroker, fmt.Sprintf(format, args...))
}
