package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPublisherDisposed is returned by every publish after Close
	ErrPublisherDisposed = errors.New("messaging: publisher disposed")
	// ErrNilPayload is returned when publishing a nil payload
	ErrNilPayload = errors.New("messaging: payload cannot be nil")
	// ErrMissingTarget is returned by PublishUnique without a target queue
	ErrMissingTarget = errors.New("messaging: unique target queue is required")
	// ErrHandlerTimeout is returned when a handler exceeds its deadline
	ErrHandlerTimeout = errors.New("messaging: handler timed out")
	// ErrHandlerPanic wraps a recovered handler panic
	ErrHandlerPanic = errors.New("messaging: handler panicked")
)

// DecodeError reports a typed payload that cannot be turned into a value.
// Deliveries failing this way are acked and dropped since a redelivery would
// fail the same way.
type DecodeError struct {
	MessageType string
	MessageID   string
	Err         error
	Timestamp   time.Time
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messaging: cannot decode %s (message %s): %v", e.MessageType, e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
