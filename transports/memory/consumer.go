package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/messaging"
)

var (
	_ messaging.TransportConsumer = (*Consumer)(nil)
	_ messaging.Binder            = (*Consumer)(nil)
	_ messaging.TransportProducer = (*Producer)(nil)
)

// Consumer runs worker loops over one broker queue
type Consumer struct {
	broker     *Broker
	queueName  string
	workers    int
	prefetch   int
	errorQueue string
	logger     *slog.Logger

	mu      sync.Mutex
	fn      messaging.DeliveryFunc
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
	timers  sync.WaitGroup
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithWorkers sets the number of worker loops
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithPrefetch sets how many messages a worker may hold unacknowledged
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithErrorQueue sets the dead-letter destination
func WithErrorQueue(name string) ConsumerOption {
	return func(c *Consumer) {
		c.errorQueue = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a consumer of queueName
func NewConsumer(broker *Broker, queueName string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:     broker,
		queueName:  queueName,
		workers:    config.DefaultWorkers,
		prefetch:   config.DefaultPrefetchCount,
		errorQueue: config.DefaultErrorQueue,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewConsumerFromSettings creates a consumer from resolved settings
func NewConsumerFromSettings(broker *Broker, s config.Settings, logger *slog.Logger) *Consumer {
	return NewConsumer(broker, s.Queue.Name,
		WithWorkers(s.Workers),
		WithPrefetch(s.PrefetchCount),
		WithErrorQueue(s.ErrorQueue),
		WithLogger(logger))
}

// OnDelivery implements messaging.TransportConsumer
func (c *Consumer) OnDelivery(fn messaging.DeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

// Bind implements messaging.Binder
func (c *Consumer) Bind(_ context.Context, messageType string) error {
	c.broker.Subscribe(c.queueName, messageType)
	return nil
}

// StartConsuming implements messaging.TransportConsumer
func (c *Consumer) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.fn == nil {
		return fmt.Errorf("no delivery callback registered")
	}
	if c.broker.closed.Load() {
		return ErrClosed
	}

	q := c.broker.queue(c.queueName)
	c.stop = make(chan struct{})
	c.running = true

	// handlers finish even when the caller's context ends
	base := context.WithoutCancel(ctx)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.work(base, id, q, c.stop, c.fn)
		}(i)
	}

	c.logger.Info("Memory consumer started", "queue", c.queueName, "workers", c.workers, "prefetch", c.prefetch)
	return nil
}

// StopConsuming implements messaging.TransportConsumer
func (c *Consumer) StopConsuming(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Memory consumer stopped", "queue", c.queueName)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain in-flight deliveries: %w", ctx.Err())
	}
}

// Close stops consuming and waits for scheduled retries
func (c *Consumer) Close() error {
	err := c.StopConsuming(context.Background())
	c.timers.Wait()
	return err
}

func (c *Consumer) work(ctx context.Context, id int, q *queue, stop <-chan struct{}, fn messaging.DeliveryFunc) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		batch := q.take(c.prefetch)
		if len(batch) == 0 {
			select {
			case <-stop:
				return
			case <-q.ready:
			}
			continue
		}

		for i, msg := range batch {
			select {
			case <-stop:
				q.pushFront(batch[i:]...)
				return
			default:
			}
			c.broker.metrics.delivered.Add(1)
			fn(ctx, &delivery{consumer: c, msg: msg, worker: id})
		}
	}
}

type delivery struct {
	consumer *Consumer
	msg      *contracts.Message
	worker   int
	once     sync.Once
}

func (d *delivery) Message() *contracts.Message {
	return d.msg
}

func (d *delivery) WorkerID() int {
	return d.worker
}

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.consumer.broker.metrics.acked.Add(1)
	})
	return nil
}

// Retry re-enqueues msg at the tail of the queue once delay has elapsed
func (d *delivery) Retry(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	c := d.consumer
	next := msg.Clone()
	next.SetHeader(contracts.HeaderRetryCount, fmt.Sprint(next.RetryCount))
	c.broker.metrics.retried.Add(1)

	if delay <= 0 {
		if err := c.broker.enqueue(c.queueName, next); err != nil {
			return fmt.Errorf("failed to requeue message %s: %w", next.ID, err)
		}
		return d.Ack(ctx)
	}

	c.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer c.timers.Done()
		if err := c.broker.enqueue(c.queueName, next); err != nil {
			c.logger.Error("Failed to requeue delayed retry, moving to error queue",
				"queue", c.queueName,
				"errorQueue", c.errorQueue,
				"messageId", next.ID,
				"error", err)
			c.broker.deadLetter(c.errorQueue, c.queueName, next,
				fmt.Errorf("failed to requeue message %s after %s: %w", next.ID, delay, err))
		}
	})
	return d.Ack(ctx)
}

func (d *delivery) DeadLetter(ctx context.Context, msg *contracts.Message, cause error) error {
	c := d.consumer
	c.broker.deadLetter(c.errorQueue, c.queueName, msg, cause)
	return d.Ack(ctx)
}

// Producer sends through a broker
type Producer struct {
	broker *Broker
}

// NewProducer creates a producer on broker
func NewProducer(broker *Broker) *Producer {
	return &Producer{broker: broker}
}

// Send implements messaging.TransportProducer
func (p *Producer) Send(ctx context.Context, endpoint string, msg *contracts.Message) error {
	return p.broker.Send(ctx, endpoint, msg)
}

// Publish implements messaging.TransportProducer
func (p *Producer) Publish(ctx context.Context, msg *contracts.Message) error {
	return p.broker.Publish(ctx, msg)
}

// Close implements messaging.TransportProducer. The broker stays open for
// other producers and consumers.
func (p *Producer) Close() error {
	return nil
}
