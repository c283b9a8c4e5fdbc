// Package rabbitmq holds the AMQP plumbing shared by the RabbitMQ transport:
// a reconnecting connection manager, a channel pool for publishing and
// topology helpers.
package rabbitmq
