package rabbitmq

import (
	"context"
	"sync"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/internal/rabbitmq"
	"github.com/glimte/mbus-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ messaging.TransportProducer = (*Producer)(nil)

// Producer publishes on pooled channels
type Producer struct {
	transport *Transport

	mu        sync.Mutex
	exchanges map[string]struct{}
}

func newProducer(t *Transport) *Producer {
	return &Producer{transport: t, exchanges: make(map[string]struct{})}
}

// Send publishes msg to the endpoint queue through the default exchange.
// Publishing is not mandatory: the broker drops messages for a queue that
// has not been declared yet.
func (p *Producer) Send(ctx context.Context, endpoint string, msg *contracts.Message) error {
	pub, err := toPublishing(p.transport.codec, msg)
	if err != nil {
		return err
	}
	return p.transport.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.PublishWithContext(ctx, "", endpoint, false, false, pub); err != nil {
			return &rabbitmq.PublishError{RoutingKey: endpoint, Err: err}
		}
		return nil
	})
}

// Publish publishes msg to the fanout exchange of its type. The broker
// copies it to every bound queue.
func (p *Producer) Publish(ctx context.Context, msg *contracts.Message) error {
	pub, err := toPublishing(p.transport.codec, msg)
	if err != nil {
		return err
	}
	exchange := ExchangeFor(msg.Type)

	return p.transport.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := p.ensureExchange(ch, exchange); err != nil {
			return err
		}
		if err := ch.PublishWithContext(ctx, exchange, p.transport.settings.Queue.RoutingKey, false, false, pub); err != nil {
			return &rabbitmq.PublishError{Exchange: exchange, Err: err}
		}
		return nil
	})
}

// Close is a no-op; the Transport owns the connection
func (p *Producer) Close() error {
	return nil
}

func (p *Producer) ensureExchange(ch *amqp.Channel, exchange string) error {
	p.mu.Lock()
	_, ok := p.exchanges[exchange]
	p.mu.Unlock()
	if ok {
		return nil
	}

	if err := rabbitmq.DeclareFanout(ch, exchange); err != nil {
		return err
	}

	p.mu.Lock()
	p.exchanges[exchange] = struct{}{}
	p.mu.Unlock()
	return nil
}
