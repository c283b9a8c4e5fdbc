package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/internal/rabbitmq"
	"github.com/glimte/mbus-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ messaging.TransportConsumer = (*Consumer)(nil)
	_ messaging.Binder            = (*Consumer)(nil)
)

// Consumer runs one channel per worker on the endpoint queue, each with a
// basic.qos prefetch of the configured count
type Consumer struct {
	transport *Transport
	queue     config.QueueSettings
	logger    *slog.Logger

	mu      sync.Mutex
	fn      messaging.DeliveryFunc
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newConsumer(t *Transport) *Consumer {
	return &Consumer{
		transport: t,
		queue:     t.settings.Queue,
		logger:    t.logger.With("queue", t.settings.Queue.Name),
	}
}

// OnDelivery implements messaging.TransportConsumer
func (c *Consumer) OnDelivery(fn messaging.DeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

// Bind subscribes the endpoint queue to the fanout exchange of messageType
func (c *Consumer) Bind(ctx context.Context, messageType string) error {
	err := c.transport.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := c.declare(ch); err != nil {
			return err
		}
		exchange := ExchangeFor(messageType)
		if err := rabbitmq.DeclareFanout(ch, exchange); err != nil {
			return err
		}
		return rabbitmq.Bind(ch, c.queue.Name, exchange, c.queue.RoutingKey)
	})
	if err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", c.queue.Name, messageType, err)
	}
	return nil
}

// declare declares the endpoint, retry and error queues
func (c *Consumer) declare(ch *amqp.Channel) error {
	s := c.transport.settings
	decls := []rabbitmq.QueueDeclaration{
		{
			Name:       c.queue.Name,
			Durable:    c.queue.Durable,
			AutoDelete: c.queue.AutoDelete,
			Exclusive:  c.queue.Exclusive,
			Arguments:  amqp.Table(s.QueueArguments()),
		},
		rabbitmq.RetryQueue(c.queue.Name),
		{Name: s.ErrorQueue, Durable: true},
	}
	for _, d := range decls {
		if err := d.Declare(ch); err != nil {
			return err
		}
	}
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

	if err := c.transport.pool.Execute(ctx, c.declare); err != nil {
		return fmt.Errorf("failed to declare queues: %w", err)
	}

	c.stop = make(chan struct{})
	c.running = true

	base := context.WithoutCancel(ctx)
	workers := max(c.transport.settings.Workers, 1)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.work(base, id, c.stop, c.fn)
		}(i)
	}

	c.logger.Info("RabbitMQ consumer started",
		"workers", workers,
		"prefetch", c.transport.settings.PrefetchCount)
	return nil
}

// StopConsuming implements messaging.TransportConsumer. Messages prefetched
// but not yet handed to a worker are returned to the queue by the broker when
// the worker channel closes.
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
		c.logger.Info("RabbitMQ consumer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain in-flight deliveries: %w", ctx.Err())
	}
}

// Close stops consuming
func (c *Consumer) Close() error {
	return c.StopConsuming(context.Background())
}

// work keeps a consuming channel open for one worker, reopening it after
// connection loss
func (c *Consumer) work(ctx context.Context, id int, stop <-chan struct{}, fn messaging.DeliveryFunc) {
	for attempt := 0; ; attempt++ {
		select {
		case <-stop:
			return
		default:
		}

		if attempt > 0 {
			select {
			case <-time.After(rabbitmq.Backoff(time.Second, min(attempt, 6))):
			case <-stop:
				return
			}
		}

		ch, deliveries, err := c.open(id)
		if err != nil {
			c.logger.Warn("Failed to open consumer channel", "worker", id, "error", err)
			continue
		}

		stopped := c.consume(ctx, id, ch, deliveries, stop, fn)
		_ = ch.Close()
		if stopped {
			return
		}
		attempt = 0
	}
}

func (c *Consumer) open(id int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.transport.manager.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.transport.settings.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := fmt.Sprintf("%s-%d-%s", c.queue.Name, id, uuid.NewString()[:8])
	autoAck := c.transport.settings.AckMode == config.AckAuto
	deliveries, err := ch.Consume(c.queue.Name, tag, autoAck, c.queue.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to consume %s: %w", c.queue.Name, err)
	}
	return ch, deliveries, nil
}

// consume returns true when stopped and false when the channel closed
func (c *Consumer) consume(ctx context.Context, id int, ch *amqp.Channel, deliveries <-chan amqp.Delivery, stop <-chan struct{}, fn messaging.DeliveryFunc) bool {
	for {
		select {
		case <-stop:
			return true
		default:
		}

		select {
		case <-stop:
			return true
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Consumer channel closed", "worker", id)
				return false
			}

			msg, err := fromDelivery(c.transport.codec, d)
			if err != nil {
				c.logger.Error("Failed to decode delivery, moving to error queue",
					"worker", id,
					"deliveryTag", d.DeliveryTag,
					"error", err)
				c.poison(ctx, ch, d, err)
				continue
			}

			fn(ctx, &delivery{consumer: c, ch: ch, raw: d, msg: msg, worker: id})
		}
	}
}

// poison moves an undecodable delivery to the error queue unchanged
func (c *Consumer) poison(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, cause error) {
	headers := amqp.Table{
		contracts.HeaderLastError:     cause.Error(),
		contracts.HeaderSourceAddress: c.queue.Name,
	}
	for k, v := range d.Headers {
		headers[k] = v
	}
	err := ch.PublishWithContext(ctx, "", c.transport.settings.ErrorQueue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
	})
	if err != nil {
		c.logger.Error("Failed to move undecodable delivery", "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

type delivery struct {
	consumer *Consumer
	ch       *amqp.Channel
	raw      amqp.Delivery
	msg      *contracts.Message
	worker   int
}

func (d *delivery) Message() *contracts.Message {
	return d.msg
}

func (d *delivery) WorkerID() int {
	return d.worker
}

func (d *delivery) Ack(_ context.Context) error {
	if d.consumer.transport.settings.AckMode == config.AckAuto {
		return nil
	}
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", d.raw.DeliveryTag, err)
	}
	return nil
}

// Retry publishes msg to the retry queue with a per-message TTL so the
// broker dead-letters it back to the endpoint queue after delay
func (d *delivery) Retry(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	queue := d.consumer.queue.Name
	routingKey := queue
	pub, err := toPublishing(d.consumer.transport.codec, msg)
	if err != nil {
		return err
	}
	if delay > 0 {
		routingKey = rabbitmq.RetryQueue(queue).Name
		pub.Expiration = expiration(delay.Milliseconds())
	}

	if err := d.ch.PublishWithContext(ctx, "", routingKey, false, false, pub); err != nil {
		return &rabbitmq.PublishError{RoutingKey: routingKey, Err: err}
	}
	return d.Ack(ctx)
}

// DeadLetter publishes msg to the error queue
func (d *delivery) DeadLetter(ctx context.Context, msg *contracts.Message, cause error) error {
	errorQueue := d.consumer.transport.settings.ErrorQueue
	out := msg.Clone()
	out.SetHeader(contracts.HeaderSourceAddress, d.consumer.queue.Name)
	if cause != nil {
		out.SetHeader(contracts.HeaderLastError, cause.Error())
	}

	pub, err := toPublishing(d.consumer.transport.codec, out)
	if err != nil {
		return err
	}
	if err := d.ch.PublishWithContext(ctx, "", errorQueue, false, false, pub); err != nil {
		return errors.Join(&rabbitmq.PublishError{RoutingKey: errorQueue, Err: err}, d.raw.Nack(false, true))
	}
	return d.Ack(ctx)
}
