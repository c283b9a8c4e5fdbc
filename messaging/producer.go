package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/filters"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the per-destination breakers of a producer
type CircuitBreakerSettings struct {
	// ConsecutiveFailures opens the breaker; zero disables breaking
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker rejects calls
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial calls allowed when half-open
	HalfOpenRequests uint32
}

// DefaultCircuitBreakerSettings returns the producer defaults
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// MessageProducer resolves destinations, runs the outgoing chain and sends
// through a transport
type MessageProducer struct {
	transport TransportProducer
	mapping   config.EndpointMapping
	pipeline  *filters.Pipeline
	breaker   CircuitBreakerSettings
	logger    *slog.Logger
	metrics   MetricsCollector

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ProducerOption configures a MessageProducer
type ProducerOption func(*MessageProducer)

// WithEndpointMapping sets the type to destination mapping used by Send
func WithEndpointMapping(mapping config.EndpointMapping) ProducerOption {
	return func(p *MessageProducer) {
		p.mapping = mapping
	}
}

// WithProducerPipeline sets the filter pipeline
func WithProducerPipeline(pipeline *filters.Pipeline) ProducerOption {
	return func(p *MessageProducer) {
		p.pipeline = pipeline
	}
}

// WithCircuitBreaker sets the breaker settings
func WithCircuitBreaker(settings CircuitBreakerSettings) ProducerOption {
	return func(p *MessageProducer) {
		p.breaker = settings
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *MessageProducer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProducerMetrics sets the metrics collector
func WithProducerMetrics(metrics MetricsCollector) ProducerOption {
	return func(p *MessageProducer) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// NewMessageProducer creates a producer engine over a transport
func NewMessageProducer(transport TransportProducer, opts ...ProducerOption) *MessageProducer {
	p := &MessageProducer{
		transport: transport,
		breaker:   DefaultCircuitBreakerSettings(),
		logger:    slog.Default(),
		metrics:   NoopMetrics{},
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send delivers msg to the destination mapped for its type
func (p *MessageProducer) Send(ctx context.Context, msg *contracts.Message) error {
	dest, ok := p.mapping.Lookup(msg.Type)
	if !ok {
		return fmt.Errorf("%w for message type %s", ErrNoEndpointMapping, msg.Type)
	}
	return p.SendTo(ctx, dest, msg)
}

// SendTo delivers msg to dest; an empty dest falls back to the mapping
func (p *MessageProducer) SendTo(ctx context.Context, dest string, msg *contracts.Message) error {
	if dest == "" {
		return p.Send(ctx, msg)
	}

	out, send, err := p.prepare(ctx, msg)
	if err != nil || !send {
		return err
	}

	return p.execute(dest, msg.Type, dest, func() error {
		return p.transport.Send(ctx, dest, out)
	})
}

// Publish delivers msg to every subscriber of its type. Fan-out bypasses the
// circuit breakers: a failing subscriber must not block the others.
func (p *MessageProducer) Publish(ctx context.Context, msg *contracts.Message) error {
	out, send, err := p.prepare(ctx, msg)
	if err != nil || !send {
		return err
	}

	return p.execute("", msg.Type, "*", func() error {
		return p.transport.Publish(ctx, out)
	})
}

// Close closes the transport
func (p *MessageProducer) Close() error {
	return p.transport.Close()
}

// prepare runs the outgoing chain once on a copy of msg and reports whether
// it should be sent
func (p *MessageProducer) prepare(ctx context.Context, msg *contracts.Message) (*contracts.Message, bool, error) {
	if err := validate(msg); err != nil {
		return nil, false, err
	}

	out := msg.Clone()
	verdict, err := p.pipeline.RunOutgoing(ctx, out)
	if err != nil {
		return nil, false, err
	}
	if verdict == filters.Drop {
		p.logger.Debug("Outgoing message dropped", "messageId", msg.ID, "messageType", msg.Type)
		return nil, false, nil
	}
	return out, true, nil
}

func (p *MessageProducer) execute(breakerName, msgType, dest string, fn func() error) error {
	start := time.Now()

	var err error
	if cb := p.breakerFor(breakerName); cb != nil {
		_, err = cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
	} else {
		err = fn()
	}

	p.metrics.RecordProduced(msgType, dest, time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msgType, dest, err)
	}
	return nil
}

func (p *MessageProducer) breakerFor(name string) *gobreaker.CircuitBreaker {
	if name == "" || p.breaker.ConsecutiveFailures == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[name]; ok {
		return cb
	}

	threshold := p.breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: p.breaker.HalfOpenRequests,
		Timeout:     p.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Circuit breaker state changed",
				"destination", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	p.breakers[name] = cb
	return cb
}

func validate(msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.ID == "" {
		return contracts.ErrMissingID
	}
	if msg.Type == "" {
		return contracts.ErrMissingType
	}
	return nil
}
