package models

import (
	"errors"
	"fmt"
)

var (
	ErrQueueIO           = errors.New("queue io error")
	ErrValidation        = errors.New("validation error")
	ErrExhaustedRetries  = errors.New("retries exhausted")
	ErrActionNotFound    = errors.New("action not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTransport         = errors.New("transport error")
)

// QueueIOError wraps a persistence failure. The in-memory queue is rolled back
// before it is returned unless the operation says otherwise.
type QueueIOError struct {
	Op  string
	Err error
}

func (e *QueueIOError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueIOError) Unwrap() error { return e.Err }

func (e *QueueIOError) Is(target error) bool { return target == ErrQueueIO }

// ValidationError rejects a malformed action at enqueue.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransportErrorKind classifies a delivery failure.
type TransportErrorKind int

const (
	Transient TransportErrorKind = iota + 1
	Permanent
)

func (k TransportErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// TransportError is returned by transports. StatusCode is zero for errors
// that never reached the server.
type TransportError struct {
	Kind       TransportErrorKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transport error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ExhaustedRetriesError marks an action that hit its attempt cap.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

func (e *ExhaustedRetriesError) Is(target error) bool { return target == ErrExhaustedRetries }
