// Package errors defines the error taxonomy shared by every taskmesh
// component. Each error carries a Kind that callers use to decide whether
// to retry, surface, or drop.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error
type Kind string

const (
	// KindInvalidConfiguration is a validation failure at ingress or config load; never retried
	KindInvalidConfiguration Kind = "invalid_configuration"
	// KindMethodNotFound means no handler is registered for the method
	KindMethodNotFound Kind = "method_not_found"
	// KindTaskNotFound means the referenced task id is absent
	KindTaskNotFound Kind = "task_not_found"
	// KindAlreadyExists means a duplicate task id was submitted
	KindAlreadyExists Kind = "already_exists"
	// KindStorage is a durable-store error; retried by callers for idempotent writes
	KindStorage Kind = "storage"
	// KindQueue is a broker error; producers retry with backoff
	KindQueue Kind = "queue"
	// KindSerialization is a corrupt message on the wire
	KindSerialization Kind = "serialization"
	// KindExecutionFailed is a handler error or panic; triggers the retry policy
	KindExecutionFailed Kind = "execution_failed"
	// KindTimeout is a deadline exceeded; triggers the retry policy
	KindTimeout Kind = "timeout"
	// KindCancelled is user-initiated; terminal, no retry
	KindCancelled Kind = "cancelled"
)

// Error is a classified error
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind so errors.Is works across wrapping
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf returns the kind of a classified error, or "" for other errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an execution error should count against the
// task's retry policy. Validation, lookup, and cancellation errors never
// retry; handler failures and timeouts do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExecutionFailed, KindTimeout, KindStorage, KindQueue:
		return true
	default:
		return false
	}
}
