// Package messaging contains the transport-neutral consumer and producer
// engines of the bus.
//
// A transport package supplies a TransportConsumer and a TransportProducer.
// MessageConsumer registers itself as the delivery callback of the consumer,
// runs the filter pipeline around handler dispatch and applies the retry
// policy. MessageProducer resolves destinations, runs the outgoing chain and
// hands the result to the producer.
//
// Basic usage:
//
//	container := messaging.NewHandlerContainer()
//	container.Register("OrderPlaced", messaging.HandlerFunc(handleOrder))
//
//	consumer := messaging.NewMessageConsumer(transport, container,
//		messaging.WithRetryPolicy(3, 3*time.Second))
//	if err := consumer.StartConsuming(ctx); err != nil {
//		return err
//	}
//	defer consumer.StopConsuming(context.Background())
package messaging
