package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/filters"
	"github.com/glimte/mbus-go/saga"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mbus-go/messaging"

// ErrorObserver is notified of deliveries that failed for good
type ErrorObserver func(ctx context.Context, msg *contracts.Message, err error)

// MessageConsumer runs deliveries through the before-consuming chain, the
// registered handlers and the after-consuming chain, then acknowledges them.
// Failed deliveries are retried until the retry policy is exhausted and then
// dead-lettered.
type MessageConsumer struct {
	transport  TransportConsumer
	container  Container
	pipeline   *filters.Pipeline
	processor  *saga.Processor
	retry      config.RetrySettings
	ackMode    config.AckMode
	workers    int
	logger     *slog.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	observers  []ErrorObserver

	mu      sync.Mutex
	started bool
	states  *workerStates
}

// ConsumerOption configures a MessageConsumer
type ConsumerOption func(*MessageConsumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *MessageConsumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *MessageConsumer) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithConsumerPipeline sets the filter pipeline
func WithConsumerPipeline(p *filters.Pipeline) ConsumerOption {
	return func(c *MessageConsumer) {
		c.pipeline = p
	}
}

// WithSagaProcessor enables dispatch to saga handlers
func WithSagaProcessor(p *saga.Processor) ConsumerOption {
	return func(c *MessageConsumer) {
		c.processor = p
	}
}

// WithRetryPolicy sets the maximum retry count and the redelivery delay
func WithRetryPolicy(maxRetries int, delay time.Duration) ConsumerOption {
	return func(c *MessageConsumer) {
		c.retry = config.RetrySettings{MaxRetries: maxRetries, Delay: delay}
	}
}

// WithAckMode sets the acknowledgement mode
func WithAckMode(mode config.AckMode) ConsumerOption {
	return func(c *MessageConsumer) {
		c.ackMode = mode
	}
}

// WithWorkers sets how many worker states are tracked
func WithWorkers(n int) ConsumerOption {
	return func(c *MessageConsumer) {
		c.workers = n
	}
}

// WithErrorObserver adds an observer for dead-lettered deliveries
func WithErrorObserver(o ErrorObserver) ConsumerOption {
	return func(c *MessageConsumer) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithConsumerTracerProvider sets the tracer provider for delivery spans
func WithConsumerTracerProvider(tp trace.TracerProvider) ConsumerOption {
	return func(c *MessageConsumer) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithConsumerPropagator sets the propagator used to read trace headers
func WithConsumerPropagator(p propagation.TextMapPropagator) ConsumerOption {
	return func(c *MessageConsumer) {
		c.propagator = p
	}
}

// NewMessageConsumer creates a consumer engine over a transport
func NewMessageConsumer(transport TransportConsumer, container Container, opts ...ConsumerOption) *MessageConsumer {
	c := &MessageConsumer{
		transport: transport,
		container: container,
		retry: config.RetrySettings{
			MaxRetries: config.DefaultMaxRetries,
			Delay:      config.DefaultRetryDelay,
		},
		ackMode: config.AckManual,
		workers: config.DefaultWorkers,
		logger:  slog.Default(),
		metrics: NoopMetrics{},
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.states = newWorkerStates(c.workers, c.metrics)
	return c
}

// StartConsuming binds the handled message types and starts the transport
func (c *MessageConsumer) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyConsuming
	}

	if binder, ok := c.transport.(Binder); ok {
		for _, msgType := range c.container.MessageTypes() {
			if err := binder.Bind(ctx, msgType); err != nil {
				return fmt.Errorf("failed to bind message type %s: %w", msgType, err)
			}
		}
	}

	c.transport.OnDelivery(c.handleDelivery)
	if err := c.transport.StartConsuming(ctx); err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.states.setAll(WorkerFetching)
	c.started = true

	c.logger.Info("Consumer started",
		"workers", c.workers,
		"maxRetries", c.retry.MaxRetries,
		"retryDelay", c.retry.Delay)
	return nil
}

// StopConsuming stops fetching and waits for in-flight deliveries. It is
// safe to call more than once.
func (c *MessageConsumer) StopConsuming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	if err := c.transport.StopConsuming(ctx); err != nil {
		return fmt.Errorf("failed to stop consuming: %w", err)
	}
	c.states.setAll(WorkerIdle)
	c.logger.Info("Consumer stopped")
	return nil
}

// WorkerStates returns the current state of every worker
func (c *MessageConsumer) WorkerStates() []WorkerState {
	return c.states.snapshot()
}

func (c *MessageConsumer) handleDelivery(ctx context.Context, d Delivery) {
	original := d.Message()
	worker := d.WorkerID()
	start := time.Now()

	ctx = filters.ExtractTraceContext(ctx, c.propagator, original)
	ctx, span := c.tracer.Start(ctx, "consume "+original.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", original.ID),
			attribute.String("messaging.message.type", original.Type),
			attribute.String("messaging.message.conversation_id", original.CorrelationID),
			attribute.Int("messaging.message.retry_count", original.RetryCount),
			attribute.Int("messaging.worker", worker),
		))
	defer span.End()

	// acknowledgement must survive a cancelled consume context
	ackCtx := context.WithoutCancel(ctx)

	c.states.set(worker, WorkerProcessing)
	defer c.states.set(worker, WorkerFetching)

	if c.ackMode == config.AckAuto {
		c.states.set(worker, WorkerAcknowledging)
		if err := d.Ack(ackCtx); err != nil {
			c.logger.Error("Failed to acknowledge message", "messageId", original.ID, "error", err)
		}
		c.states.set(worker, WorkerProcessing)
	}

	dropped, err := c.process(ctx, original.Clone())
	if err == nil {
		outcome := OutcomeAcked
		if dropped {
			outcome = OutcomeDropped
		}
		if c.ackMode != config.AckAuto {
			c.states.set(worker, WorkerAcknowledging)
			if ackErr := d.Ack(ackCtx); ackErr != nil {
				c.logger.Error("Failed to acknowledge message",
					"messageId", original.ID,
					"messageType", original.Type,
					"error", ackErr)
				span.RecordError(ackErr)
			}
		}
		c.metrics.RecordConsumed(original.Type, time.Since(start), outcome)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if c.ackMode == config.AckAuto {
		c.logger.Error("Message processing failed",
			"messageId", original.ID,
			"messageType", original.Type,
			"error", err)
		c.notify(ctx, original, err)
		c.metrics.RecordConsumed(original.Type, time.Since(start), OutcomeFailed)
		return
	}

	c.fail(ackCtx, d, original, err, start)
}

// process returns whether a stage dropped the message
func (c *MessageConsumer) process(ctx context.Context, msg *contracts.Message) (bool, error) {
	verdict, err := c.pipeline.RunBeforeConsuming(ctx, msg)
	if err != nil {
		return false, err
	}
	if verdict == filters.Drop {
		return true, nil
	}

	if err := c.dispatch(ctx, msg); err != nil {
		return false, err
	}

	verdict, err = c.pipeline.RunAfterConsuming(ctx, msg)
	if err != nil {
		return false, err
	}
	return verdict == filters.Drop, nil
}

// dispatch runs handlers in registration order and stops at the first failure
func (c *MessageConsumer) dispatch(ctx context.Context, msg *contracts.Message) error {
	regs := c.container.Handlers(msg.Type)
	if len(regs) == 0 {
		c.logger.Debug("No handlers registered", "messageType", msg.Type, "messageId", msg.ID)
		return nil
	}

	for i, reg := range regs {
		var err error
		switch {
		case reg.Saga != nil && c.processor == nil:
			err = ErrNoSagaProcessor
		case reg.Saga != nil:
			err = c.processor.Process(ctx, msg, reg.Saga)
		default:
			err = reg.Handler.Handle(ctx, msg)
		}
		if err != nil {
			return &HandlerFailure{MessageType: msg.Type, MessageID: msg.ID, Handler: i, Err: err}
		}
	}
	return nil
}

func (c *MessageConsumer) fail(ctx context.Context, d Delivery, original *contracts.Message, cause error, start time.Time) {
	worker := d.WorkerID()
	next := original.Clone()
	next.RetryCount++
	next.SetHeader(contracts.HeaderLastError, cause.Error())

	if next.RetryCount <= c.retry.MaxRetries {
		c.states.set(worker, WorkerRetrying)
		c.logger.Warn("Message processing failed, scheduling retry",
			"messageId", next.ID,
			"messageType", next.Type,
			"retryCount", next.RetryCount,
			"maxRetries", c.retry.MaxRetries,
			"delay", c.retry.Delay,
			"error", cause)

		err := d.Retry(ctx, next, c.retry.Delay)
		if err == nil {
			c.metrics.RecordConsumed(next.Type, time.Since(start), OutcomeRetried)
			return
		}
		// the transport already gave the message up
		c.logger.Error("Failed to schedule retry, moving to error queue",
			"messageId", next.ID,
			"messageType", next.Type,
			"error", err)
		c.deadLetter(ctx, d, next, &RetryFailure{
			MessageID:   next.ID,
			MessageType: next.Type,
			RetryCount:  next.RetryCount,
			Err:         err,
			Cause:       cause,
		}, start)
		return
	}

	exhausted := &RetriesExhausted{
		MessageID:   next.ID,
		MessageType: next.Type,
		RetryCount:  next.RetryCount,
		Err:         cause,
	}
	c.logger.Error("Message retries exhausted, moving to error queue",
		"messageId", next.ID,
		"messageType", next.Type,
		"retryCount", next.RetryCount,
		"error", cause)
	c.deadLetter(ctx, d, next, exhausted, start)
}

func (c *MessageConsumer) deadLetter(ctx context.Context, d Delivery, msg *contracts.Message, cause error, start time.Time) {
	c.states.set(d.WorkerID(), WorkerDead)
	if err := d.DeadLetter(ctx, msg, cause); err != nil {
		c.logger.Error("Failed to dead-letter message", "messageId", msg.ID, "error", err)
	}
	c.notify(ctx, msg, cause)
	c.metrics.RecordConsumed(msg.Type, time.Since(start), OutcomeDeadLettered)
}

func (c *MessageConsumer) notify(ctx context.Context, msg *contracts.Message, err error) {
	for _, o := range c.observers {
		o(ctx, msg, err)
	}
}

// IsRetriesExhausted reports whether err is a dead-letter cause
func IsRetriesExhausted(err error) bool {
	var target *RetriesExhausted
	return errors.As(err, &target)
}
