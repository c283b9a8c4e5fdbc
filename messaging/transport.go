package messaging

import (
	"context"
	"time"

	"github.com/glimte/mbus-go/contracts"
)

// Delivery is a single message handed to a worker by a transport
type Delivery interface {
	// Message returns the received message
	Message() *contracts.Message

	// WorkerID identifies the worker loop that fetched the message
	WorkerID() int

	// Ack removes the message from the transport
	Ack(ctx context.Context) error

	// Retry schedules msg for redelivery after delay and acknowledges the
	// original. msg keeps the original id and carries the new retry count.
	Retry(ctx context.Context, msg *contracts.Message, delay time.Duration) error

	// DeadLetter moves msg to the error queue and acknowledges the original
	DeadLetter(ctx context.Context, msg *contracts.Message, cause error) error
}

// DeliveryFunc receives deliveries. Transports call it synchronously from the
// worker loop, so a worker fetches its next message only after it returns.
type DeliveryFunc func(ctx context.Context, d Delivery)

// TransportConsumer is the consuming side of a transport
type TransportConsumer interface {
	// OnDelivery registers the delivery callback; it must be set before StartConsuming
	OnDelivery(fn DeliveryFunc)

	// StartConsuming starts the worker loops
	StartConsuming(ctx context.Context) error

	// StopConsuming stops fetching immediately and waits for in-flight
	// deliveries. Calling it more than once is a no-op.
	StopConsuming(ctx context.Context) error

	// Close releases transport resources
	Close() error
}

// Binder is implemented by consumers that subscribe their queue to published
// message types
type Binder interface {
	Bind(ctx context.Context, messageType string) error
}

// TransportProducer is the sending side of a transport
type TransportProducer interface {
	// Send delivers msg to a single endpoint
	Send(ctx context.Context, endpoint string, msg *contracts.Message) error

	// Publish delivers msg to every endpoint subscribed to msg.Type. Failing
	// subscribers do not prevent delivery to the others; their errors are joined.
	Publish(ctx context.Context, msg *contracts.Message) error

	// Close releases transport resources
	Close() error
}
