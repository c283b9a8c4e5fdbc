// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mbus wires a resolved configuration into a running message bus.
package mbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/dedup"
	"github.com/glimte/mbus-go/filters"
	"github.com/glimte/mbus-go/health"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/metrics"
	"github.com/glimte/mbus-go/saga"
	"github.com/glimte/mbus-go/serialization"
	"github.com/glimte/mbus-go/transports/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Bus is the entry point of mbus-go: one endpoint with its consumer,
// producer, handler container and stores
type Bus struct {
	settings config.Settings
	logger   *slog.Logger

	resources *Resources
	container messaging.Container
	consumer  *messaging.MessageConsumer
	producer  *messaging.MessageProducer
	transport messaging.TransportConsumer
	sender    messaging.TransportProducer
	finder    saga.Finder
	store     dedup.Store
	cleaner   *dedup.Cleaner
	types     *serialization.TypeRegistry

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Bus
type Option func(*busConfig)

type busConfig struct {
	logger         *slog.Logger
	registry       *Registry
	broker         *memory.Broker
	codec          serialization.Codec
	metrics        messaging.MetricsCollector
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	breaker        *messaging.CircuitBreakerSettings
	before         []filters.Stage
	after          []filters.Stage
	outgoing       []filters.Stage
	observers      []messaging.ErrorObserver
	sagaOptions    []saga.ProcessorOption
	encryptionKey  []byte
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(c *busConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegistry replaces the built-in implementation registry
func WithRegistry(r *Registry) Option {
	return func(c *busConfig) {
		c.registry = r
	}
}

// WithBroker shares an in-process broker between buses
func WithBroker(b *memory.Broker) Option {
	return func(c *busConfig) {
		c.broker = b
	}
}

// WithCodec sets the codec for envelopes and typed messages
func WithCodec(codec serialization.Codec) Option {
	return func(c *busConfig) {
		c.codec = codec
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) Option {
	return func(c *busConfig) {
		c.metrics = m
	}
}

// WithPrometheus exports metrics through a Prometheus collector registered on r
func WithPrometheus(r prometheus.Registerer) Option {
	return func(c *busConfig) {
		c.registerer = r
	}
}

// WithTracerProvider sets the tracer provider for delivery spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *busConfig) {
		c.tracerProvider = tp
	}
}

// WithPropagator sets the propagator used for trace headers
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *busConfig) {
		c.propagator = p
	}
}

// WithCircuitBreaker sets the producer circuit breaker
func WithCircuitBreaker(s messaging.CircuitBreakerSettings) Option {
	return func(c *busConfig) {
		c.breaker = &s
	}
}

// WithBeforeConsuming appends stages to the before-consuming chain
func WithBeforeConsuming(stages ...filters.Stage) Option {
	return func(c *busConfig) {
		c.before = append(c.before, stages...)
	}
}

// WithAfterConsuming appends stages to the after-consuming chain
func WithAfterConsuming(stages ...filters.Stage) Option {
	return func(c *busConfig) {
		c.after = append(c.after, stages...)
	}
}

// WithOutgoing appends stages to the outgoing chain
func WithOutgoing(stages ...filters.Stage) Option {
	return func(c *busConfig) {
		c.outgoing = append(c.outgoing, stages...)
	}
}

// WithEncryptionKey seals outgoing bodies with XChaCha20-Poly1305 and opens
// them before consuming. The key must be 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(c *busConfig) {
		c.encryptionKey = key
	}
}

// WithErrorObserver adds an observer for dead-lettered deliveries
func WithErrorObserver(o messaging.ErrorObserver) Option {
	return func(c *busConfig) {
		c.observers = append(c.observers, o)
	}
}

// WithSagaOptions configures the saga processor
func WithSagaOptions(opts ...saga.ProcessorOption) Option {
	return func(c *busConfig) {
		c.sagaOptions = append(c.sagaOptions, opts...)
	}
}

// New instantiates the selected implementations and wires the engines.
// Nothing is consumed until StartConsuming.
func New(ctx context.Context, resolved *config.Resolved, opts ...Option) (_ *Bus, err error) {
	if resolved == nil {
		return nil, fmt.Errorf("%w: no resolved configuration", config.ErrConfigurationMissing)
	}
	if err := config.Validate(resolved.Settings, resolved.Selections); err != nil {
		return nil, err
	}

	cfg := &busConfig{
		logger: slog.Default(),
		codec:  serialization.DefaultCodec,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = NewRegistry()
	}

	settings := resolved.Settings
	sel := resolved.Selections
	logger := cfg.logger.With("endpoint", settings.Queue.Name)

	b := &Bus{
		settings:  settings,
		logger:    logger,
		resources: newResources(settings, logger, cfg.codec, cfg.broker),
		types:     serialization.NewTypeRegistry(cfg.codec),
	}
	defer func() {
		if err != nil {
			_ = b.closeComponents()
		}
	}()

	if err := b.build(ctx, cfg, sel, resolved.Mapping); err != nil {
		return nil, err
	}

	logger.Info("Message bus created",
		"consumer", sel.Consumer,
		"producer", sel.Producer,
		"finder", sel.ProcessManagerFinder,
		"dedupStore", sel.DeduplicationStore,
		"deduplication", settings.Deduplication.Enabled,
		"auditing", settings.AuditingEnabled)
	return b, nil
}

func (b *Bus) build(ctx context.Context, cfg *busConfig, sel config.Selections, mapping config.EndpointMapping) error {
	settings := b.settings
	reg := cfg.registry

	newContainer, err := reg.container(sel.Container)
	if err != nil {
		return err
	}
	if b.container, err = newContainer(b.resources); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	newProducer, err := reg.producer(sel.Producer)
	if err != nil {
		return err
	}
	if b.sender, err = newProducer(ctx, b.resources); err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}

	newConsumer, err := reg.consumer(sel.Consumer)
	if err != nil {
		return err
	}
	if b.transport, err = newConsumer(ctx, b.resources); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	newFinder, err := reg.finder(sel.ProcessManagerFinder)
	if err != nil {
		return err
	}
	if b.finder, err = newFinder(ctx, b.resources); err != nil {
		return fmt.Errorf("failed to create process manager finder: %w", err)
	}

	before := []filters.Stage{}
	after := append([]filters.Stage{}, cfg.after...)
	if settings.AuditingEnabled {
		after = append(after, filters.NewAudit(b.sender, settings.AuditQueue, settings.Queue.Name))
	}
	if settings.Deduplication.Enabled {
		newStore, err := reg.dedupStore(sel.DeduplicationStore)
		if err != nil {
			return err
		}
		if b.store, err = newStore(ctx, b.resources); err != nil {
			return fmt.Errorf("failed to create deduplication store: %w", err)
		}
		before = append(before, dedup.NewCheck(b.store))
		after = append(after, dedup.NewRecorder(b.store, settings.Deduplication.Expiry))
		b.cleaner = dedup.NewCleaner(b.store, settings.Deduplication.CleanupInterval, b.logger)
	}
	outgoing := append([]filters.Stage{filters.NewTraceContext(cfg.propagator)}, cfg.outgoing...)
	if cfg.encryptionKey != nil {
		decrypt, err := filters.NewDecrypt(cfg.encryptionKey)
		if err != nil {
			return fmt.Errorf("failed to create decrypt stage: %w", err)
		}
		encrypt, err := filters.NewEncrypt(cfg.encryptionKey)
		if err != nil {
			return fmt.Errorf("failed to create encrypt stage: %w", err)
		}
		before = append(before, decrypt)
		outgoing = append(outgoing, encrypt)
	}
	before = append(before, cfg.before...)

	pipeline := filters.NewPipeline(
		filters.WithBeforeConsuming(before...),
		filters.WithAfterConsuming(after...),
		filters.WithOutgoing(outgoing...),
		filters.WithPipelineLogger(b.logger),
	)

	collector := cfg.metrics
	if collector == nil && cfg.registerer != nil {
		p := metrics.NewPrometheus(metrics.WithRegisterer(cfg.registerer))
		if err := p.Register(); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		collector = p
	}

	producerOpts := []messaging.ProducerOption{
		messaging.WithEndpointMapping(mapping),
		messaging.WithProducerPipeline(pipeline),
		messaging.WithProducerLogger(b.logger),
		messaging.WithProducerMetrics(collector),
	}
	if cfg.breaker != nil {
		producerOpts = append(producerOpts, messaging.WithCircuitBreaker(*cfg.breaker))
	}
	b.producer = messaging.NewMessageProducer(b.sender, producerOpts...)

	consumerOpts := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(b.logger),
		messaging.WithConsumerMetrics(collector),
		messaging.WithConsumerPipeline(pipeline),
		messaging.WithSagaProcessor(saga.NewProcessor(b.finder,
			append([]saga.ProcessorOption{saga.WithProcessorLogger(b.logger)}, cfg.sagaOptions...)...)),
		messaging.WithRetryPolicy(settings.Retry.MaxRetries, settings.Retry.Delay),
		messaging.WithAckMode(settings.AckMode),
		messaging.WithWorkers(settings.Workers),
		messaging.WithConsumerTracerProvider(cfg.tracerProvider),
		messaging.WithConsumerPropagator(cfg.propagator),
	}
	for _, o := range cfg.observers {
		consumerOpts = append(consumerOpts, messaging.WithErrorObserver(o))
	}
	b.consumer = messaging.NewMessageConsumer(b.transport, b.container, consumerOpts...)
	return nil
}

// Handle registers a handler for a message type
func (b *Bus) Handle(messageType string, h messaging.Handler) error {
	return b.container.Register(messageType, h)
}

// HandleFunc registers a handler function for a message type
func (b *Bus) HandleFunc(messageType string, fn func(ctx context.Context, msg *contracts.Message) error) error {
	return b.container.Register(messageType, messaging.HandlerFunc(fn))
}

// HandleSaga registers a saga handler for a message type
func (b *Bus) HandleSaga(messageType string, h saga.Handler) error {
	return b.container.RegisterSaga(messageType, h)
}

// Register maps a payload type to its message type discriminator
func (b *Bus) Register(messageType string, sample any) error {
	return b.types.Register(messageType, sample)
}

// NewMessage encodes payload as a message of its registered type
func (b *Bus) NewMessage(payload any, correlationID string) (*contracts.Message, error) {
	return b.types.ToMessage(payload, correlationID)
}

// Decode decodes the body of msg into a value of its registered type
func (b *Bus) Decode(msg *contracts.Message) (any, error) {
	return b.types.FromMessage(msg)
}

// Send sends msg to the endpoint mapped to its type
func (b *Bus) Send(ctx context.Context, msg *contracts.Message) error {
	return b.producer.Send(ctx, msg)
}

// SendTo sends msg to dest; an empty dest falls back to the endpoint mapping
func (b *Bus) SendTo(ctx context.Context, dest string, msg *contracts.Message) error {
	return b.producer.SendTo(ctx, dest, msg)
}

// Publish delivers msg to every endpoint handling its type
func (b *Bus) Publish(ctx context.Context, msg *contracts.Message) error {
	return b.producer.Publish(ctx, msg)
}

// StartConsuming starts the deduplication cleanup and the consumer workers
func (b *Bus) StartConsuming(ctx context.Context) error {
	if err := b.consumer.StartConsuming(ctx); err != nil {
		return err
	}
	if b.cleaner != nil {
		b.cleaner.Start(context.WithoutCancel(ctx))
	}
	b.logger.Info("Message bus consuming", "types", b.container.MessageTypes())
	return nil
}

// StopConsuming stops fetching and waits for in-flight deliveries
func (b *Bus) StopConsuming(ctx context.Context) error {
	err := b.consumer.StopConsuming(ctx)
	if b.cleaner != nil {
		b.cleaner.Stop()
	}
	return err
}

// WorkerStates returns the current state of each consumer worker
func (b *Bus) WorkerStates() []messaging.WorkerState {
	return b.consumer.WorkerStates()
}

// Health checks the connections opened by the bus
func (b *Bus) Health(ctx context.Context) health.Report {
	return b.resources.Health().Check(ctx)
}

// Settings returns the resolved settings
func (b *Bus) Settings() config.Settings {
	return b.settings
}

// Close stops consuming and releases every component
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.StopConsuming(context.Background()); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, b.closeComponents())
		b.closeErr = errors.Join(errs...)
		b.logger.Info("Message bus closed")
	})
	return b.closeErr
}

func (b *Bus) closeComponents() error {
	var errs []error
	if b.sender != nil {
		if err := b.sender.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
		}
	}
	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
		}
	}
	if b.finder != nil {
		if err := b.finder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close process manager finder: %w", err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close deduplication store: %w", err))
		}
	}
	if err := b.resources.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
