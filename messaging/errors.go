package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEndpointMapping is returned by Send when no destination is mapped for the message type
	ErrNoEndpointMapping = errors.New("messaging: no endpoint mapping")
	// ErrNoSagaProcessor is returned when a saga handler is dispatched without a finder
	ErrNoSagaProcessor = errors.New("messaging: no process manager finder configured")
	// ErrAlreadyConsuming is returned by StartConsuming on a running consumer
	ErrAlreadyConsuming = errors.New("messaging: consumer already started")
)

// HandlerFailure wraps an error returned by a message handler
type HandlerFailure struct {
	MessageType string
	MessageID   string
	Handler     int
	Err         error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %d failed for %s message %s: %v", e.Handler, e.MessageType, e.MessageID, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// RetriesExhausted is the dead-letter cause of a message that failed more
// often than the retry policy allows
type RetriesExhausted struct {
	MessageID   string
	MessageType string
	RetryCount  int
	Err         error
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("message %s of type %s exhausted retries after %d attempts: %v",
		e.MessageID, e.MessageType, e.RetryCount, e.Err)
}

func (e *RetriesExhausted) Unwrap() error {
	return e.Err
}

// RetryFailure is the dead-letter cause of a message whose retry could not
// be scheduled by the transport
type RetryFailure struct {
	MessageID   string
	MessageType string
	RetryCount  int
	Err         error
	Cause       error
}

func (e *RetryFailure) Error() string {
	return fmt.Sprintf("failed to schedule retry %d of %s message %s: %v (processing error: %v)",
		e.RetryCount, e.MessageType, e.MessageID, e.Err, e.Cause)
}

func (e *RetryFailure) Unwrap() []error {
	return []error{e.Err, e.Cause}
}
