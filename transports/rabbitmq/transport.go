// Package rabbitmq implements the bus transport on RabbitMQ.
//
// Each endpoint owns a durable queue named after its process. Commands are
// sent to a queue through the default exchange; events are published to a
// fanout exchange per message type, to which every handling endpoint binds
// its queue. Delayed retries go through "<queue>.retries", a TTL queue that
// dead-letters back to the endpoint queue, and exhausted messages end up on
// the error queue.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/internal/rabbitmq"
	"github.com/glimte/mbus-go/serialization"
)

// TransportName is the registry tag of this transport
const TransportName = "rabbitmq"

// ExchangePrefix prefixes the fanout exchange of each published message type
const ExchangePrefix = "mbus.events."

// ExchangeFor returns the fanout exchange of a message type
func ExchangeFor(messageType string) string {
	return ExchangePrefix + messageType
}

// Transport owns the connection shared by a consumer and a producer
type Transport struct {
	settings config.Settings
	manager  *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	codec    serialization.Codec
	logger   *slog.Logger
}

// TransportOption configures a Transport
type TransportOption func(*transportConfig)

type transportConfig struct {
	codec       serialization.Codec
	logger      *slog.Logger
	connOptions []rabbitmq.ConnectionOption
	maxChannels int
}

// WithCodec sets the envelope codec
func WithCodec(codec serialization.Codec) TransportOption {
	return func(c *transportConfig) {
		c.codec = codec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(c *transportConfig) {
		c.connOptions = append(c.connOptions, opts...)
	}
}

// WithMaxChannels bounds the publishing channel pool
func WithMaxChannels(n int) TransportOption {
	return func(c *transportConfig) {
		c.maxChannels = n
	}
}

// NewTransport connects to the broker described by settings
func NewTransport(ctx context.Context, settings config.Settings, options ...TransportOption) (*Transport, error) {
	cfg := &transportConfig{
		codec:       serialization.DefaultCodec,
		logger:      slog.Default(),
		maxChannels: 10,
	}
	for _, opt := range options {
		opt(cfg)
	}

	tlsConfig, err := settings.TLS.TLSConfig()
	if err != nil {
		return nil, err
	}

	connOptions := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithTLS(tlsConfig),
		rabbitmq.WithHeartbeat(settings.Heartbeat),
		rabbitmq.WithConnectionName(settings.Queue.Name),
	}, cfg.connOptions...)

	manager := rabbitmq.NewConnectionManager(BuildURL(settings), connOptions...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithMaxSize(cfg.maxChannels))
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		settings: settings,
		manager:  manager,
		pool:     pool,
		codec:    cfg.codec,
		logger:   cfg.logger,
	}, nil
}

// Consumer returns a consumer of the endpoint queue
func (t *Transport) Consumer() *Consumer {
	return newConsumer(t)
}

// Producer returns a producer sharing the connection
func (t *Transport) Producer() *Producer {
	return newProducer(t)
}

// IsConnected returns the connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close closes the channel pool and the connection
func (t *Transport) Close() error {
	_ = t.pool.Close()
	return t.manager.Close()
}

// BuildURL returns the AMQP URL of settings. A host that already is an
// amqp:// or amqps:// URL is used as is.
func BuildURL(s config.Settings) string {
	host := s.Host
	if strings.HasPrefix(host, "amqp://") || strings.HasPrefix(host, "amqps://") {
		return host
	}

	scheme, port := "amqp", "5672"
	if s.TLS.Enabled {
		scheme, port = "amqps", "5671"
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	u := &url.URL{Scheme: scheme, Host: host, Path: "/"}
	if s.Credentials.Username != "" {
		u.User = url.UserPassword(s.Credentials.Username, s.Credentials.Password)
	}
	return u.String()
}
