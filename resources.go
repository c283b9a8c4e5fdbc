package mbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/health"
	"github.com/glimte/mbus-go/internal/sqldb"
	"github.com/glimte/mbus-go/serialization"
	"github.com/glimte/mbus-go/transports/memory"
	rabbitmqtransport "github.com/glimte/mbus-go/transports/rabbitmq"
	"github.com/glimte/mbus-go/transports/redisstream"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Resources are the connections shared by the implementations of one bus.
// Each connection is opened on first use and closed by the bus.
type Resources struct {
	Settings config.Settings
	Logger   *slog.Logger
	Codec    serialization.Codec

	mu      sync.Mutex
	health  *health.Registry
	broker  *memory.Broker
	rabbit  *rabbitmqtransport.Transport
	streams *redisstream.Transport
	store   *redis.Client
	kv      *badger.DB
	sql     *gorm.DB
	closers []func() error
}

func newResources(settings config.Settings, logger *slog.Logger, codec serialization.Codec, broker *memory.Broker) *Resources {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resources{
		Settings: settings,
		Logger:   logger,
		Codec:    codec,
		health:   health.NewRegistry(),
		broker:   broker,
	}
}

// MemoryBroker returns the in-process broker
func (r *Resources) MemoryBroker() *memory.Broker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broker == nil {
		r.broker = memory.NewBroker()
		r.closers = append(r.closers, r.broker.Close)
	}
	return r.broker
}

// RabbitMQ returns the AMQP transport of the endpoint
func (r *Resources) RabbitMQ(ctx context.Context) (*rabbitmqtransport.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rabbit != nil {
		return r.rabbit, nil
	}
	t, err := rabbitmqtransport.NewTransport(ctx, r.Settings,
		rabbitmqtransport.WithLogger(r.Logger),
		rabbitmqtransport.WithCodec(r.Codec),
	)
	if err != nil {
		return nil, err
	}
	r.rabbit = t
	r.closers = append(r.closers, t.Close)
	r.health.Register(health.NewConnectionChecker("rabbitmq", t.IsConnected))
	return t, nil
}

// RedisStreams returns the Redis Streams transport of the endpoint
func (r *Resources) RedisStreams(ctx context.Context) (*redisstream.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streams != nil {
		return r.streams, nil
	}
	opts, err := redisstream.ClientOptions(r.Settings)
	if err != nil {
		return nil, err
	}
	client, err := dialRedis(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.streams = redisstream.New(client, r.Settings,
		redisstream.WithLogger(r.Logger),
		redisstream.WithCodec(r.Codec),
	)
	r.closers = append(r.closers, client.Close)
	r.health.Register(health.NewPingChecker("redis_transport", redisPinger(client)))
	return r.streams, nil
}

// PersistenceRedis returns a client for the persistence connection string
func (r *Resources) PersistenceRedis(ctx context.Context) (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		return r.store, nil
	}
	opts, err := redis.ParseURL(r.Settings.Persistence.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse persistence connection string: %w", err)
	}
	client, err := dialRedis(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.store = client
	r.closers = append(r.closers, client.Close)
	r.health.Register(health.NewPingChecker("redis_persistence", redisPinger(client)))
	return client, nil
}

// Badger returns the embedded database. The persistence connection string
// is a directory, optionally prefixed with badger://; URLs of other schemes
// and an empty string select an in-memory database.
func (r *Resources) Badger() (*badger.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.kv != nil {
		return r.kv, nil
	}
	cs := r.Settings.Persistence.ConnectionString
	dir := BadgerDir(cs)
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		if cs != "" {
			r.Logger.Warn("Persistence connection string is not a badger directory, using in-memory badger",
				"connectionString", redactURL(cs))
		}
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	r.kv = db
	r.closers = append(r.closers, db.Close)
	r.health.Register(health.NewConnectionChecker("badger", func() bool { return !db.IsClosed() }))
	return db, nil
}

// SQL returns the gorm database for the persistence connection string.
// Connection strings of non SQL schemes select an in-memory SQLite database.
func (r *Resources) SQL() (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sql != nil {
		return r.sql, nil
	}
	cs := r.Settings.Persistence.ConnectionString
	dsn := SQLDSN(cs)
	if dsn == memorySQLDSN && cs != memorySQLDSN {
		r.Logger.Warn("Persistence connection string is not a SQL database, using in-memory SQLite",
			"connectionString", redactURL(cs))
	}
	db, err := sqldb.Open(dsn, r.Logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	r.sql = db
	r.closers = append(r.closers, sqlDB.Close)
	r.health.Register(health.NewPingChecker("sql", health.PingFunc(sqlDB.PingContext)))
	return db, nil
}

// Health returns the checkers of the opened connections
func (r *Resources) Health() *health.Registry {
	return r.health
}

// Close closes the opened connections in reverse order
func (r *Resources) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BadgerDir maps a persistence connection string to a badger directory
func BadgerDir(connectionString string) string {
	if rest, ok := strings.CutPrefix(connectionString, "badger://"); ok {
		return rest
	}
	if strings.Contains(connectionString, "://") {
		return ""
	}
	return connectionString
}

// SQLDSN maps a persistence connection string to a gorm DSN
func SQLDSN(connectionString string) string {
	for _, prefix := range []string{"postgres://", "postgresql://", "sqlite://"} {
		if strings.HasPrefix(connectionString, prefix) {
			return connectionString
		}
	}
	if connectionString == "" || strings.Contains(connectionString, "://") {
		return memorySQLDSN
	}
	return connectionString
}

const memorySQLDSN = "file::memory:"

// redactURL hides the password of URL connection strings in logs
func redactURL(connectionString string) string {
	u, err := url.Parse(connectionString)
	if err != nil || u.User == nil {
		return connectionString
	}
	return u.Redacted()
}

func dialRedis(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

func redisPinger(client *redis.Client) health.PingFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
