// Package errors defines the failure taxonomy shared by the ingestion path,
// the item processor and the dead-letter handler. Callers classify failures
// with errors.Is against the sentinels below rather than inspecting messages.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence indicates a Work Store read or write failed.
	ErrPersistence = errors.New("persistence error")

	// ErrEnqueue indicates a queue send failed.
	ErrEnqueue = errors.New("enqueue error")

	// ErrInProgress indicates an identical request is still being executed.
	// The caller is expected to retry later.
	ErrInProgress = errors.New("request in progress")

	// ErrProcessing indicates a unit of work failed and should be retried by redelivery.
	ErrProcessing = errors.New("processing failure")

	// ErrTerminal indicates the redelivery budget is exhausted.
	ErrTerminal = errors.New("terminal failure")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Error carries the failure kind together with the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// E builds an *Error of the given kind. A nil err yields nil.
func E(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind so errors.Is(err, ErrEnqueue) holds for wrapped kinds.
func (e *Error) Is(target error) bool { return e.Kind == target }

// Wrap wraps an error with additional context while preserving the error chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// KindOf returns the taxonomy sentinel carried by err, or nil when err is unclassified.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
