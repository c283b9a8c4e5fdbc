package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Declare declares the queue on ch
func (q QueueDeclaration) Declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
		return &TopologyError{Component: "queue", Name: q.Name, Err: err}
	}
	return nil
}

// RetryQueue is a holding queue for delayed redelivery: messages expire
// after their per-message TTL and are dead-lettered back to target through
// the default exchange.
func RetryQueue(target string) QueueDeclaration {
	return QueueDeclaration{
		Name:    target + ".retries",
		Durable: true,
		Arguments: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": target,
		},
	}
}

// DeclareFanout declares a durable fanout exchange
func DeclareFanout(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Err: err}
	}
	return nil
}

// Bind binds queue to exchange
func Bind(ch *amqp.Channel, queue, exchange, routingKey string) error {
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: queue + "->" + exchange, Err: err}
	}
	return nil
}
