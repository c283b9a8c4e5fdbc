// Package redisstream implements the bus transport on Redis Streams.
//
// Every endpoint queue is a stream read through a consumer group. Publish
// looks up the queues subscribed to a message type in a set and appends to
// each of them. Delayed retries wait in a sorted set scored by due time and
// are moved back to the stream by the consumer; exhausted messages are
// appended to the error queue stream.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/serialization"
	"github.com/redis/go-redis/v9"
)

// TransportName is the registry tag of this transport
const TransportName = "redis"

const (
	fieldEnvelope = "envelope"
	fieldCause    = "cause"
	fieldSource   = "source"
	groupName     = "mbus"
)

// Transport shares one Redis client between a consumer and a producer
type Transport struct {
	client       redis.UniversalClient
	settings     config.Settings
	codec        serialization.Codec
	logger       *slog.Logger
	prefix       string
	block        time.Duration
	pollInterval time.Duration
	maxLen       int64
	owned        bool
}

// Option configures a Transport
type Option func(*Transport)

// WithPrefix sets the key prefix (default "mbus")
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithCodec sets the envelope codec
func WithCodec(codec serialization.Codec) Option {
	return func(t *Transport) {
		t.codec = codec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBlock sets how long XREADGROUP blocks waiting for entries
func WithBlock(d time.Duration) Option {
	return func(t *Transport) {
		t.block = d
	}
}

// WithPollInterval sets how often delayed retries are moved back to the stream
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.pollInterval = d
	}
}

// WithMaxLen trims streams to approximately n entries; zero keeps everything
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		t.maxLen = n
	}
}

// New creates a transport over an existing client
func New(client redis.UniversalClient, settings config.Settings, opts ...Option) *Transport {
	t := &Transport{
		client:       client,
		settings:     settings,
		codec:        serialization.DefaultCodec,
		logger:       slog.Default(),
		prefix:       "mbus",
		block:        time.Second,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects to the Redis server described by settings
func Open(ctx context.Context, settings config.Settings, opts ...Option) (*Transport, error) {
	redisOpts, err := ClientOptions(settings)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisOpts.Addr, err)
	}
	t := New(client, settings, opts...)
	t.owned = true
	return t, nil
}

// ClientOptions maps settings to client options. A host that already is a
// redis:// or rediss:// URL is parsed as is.
func ClientOptions(s config.Settings) (*redis.Options, error) {
	if strings.HasPrefix(s.Host, "redis://") || strings.HasPrefix(s.Host, "rediss://") {
		opts, err := redis.ParseURL(s.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return opts, nil
	}

	addr := s.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "6379")
	}
	tlsConfig, err := s.TLS.TLSConfig()
	if err != nil {
		return nil, err
	}
	return &redis.Options{
		Addr:      addr,
		Username:  s.Credentials.Username,
		Password:  s.Credentials.Password,
		TLSConfig: tlsConfig,
	}, nil
}

// Consumer returns a consumer of the endpoint queue
func (t *Transport) Consumer() *Consumer {
	return newConsumer(t)
}

// Producer returns a producer sharing the client
func (t *Transport) Producer() *Producer {
	return &Producer{transport: t}
}

// Close closes the client when the transport opened it
func (t *Transport) Close() error {
	if t.owned {
		return t.client.Close()
	}
	return nil
}

// StreamKey is the stream of a queue
func (t *Transport) StreamKey(queue string) string {
	return t.prefix + ":q:" + queue
}

func (t *Transport) delayedKey(queue string) string {
	return t.prefix + ":delayed:" + queue
}

func (t *Transport) subscribersKey(messageType string) string {
	return t.prefix + ":subs:" + messageType
}

func (t *Transport) xadd(queue string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: t.StreamKey(queue), ID: "*", Values: values}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	return args
}
