package mbus

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("built-in tags", func(t *testing.T) {
		tags := NewRegistry().Tags()
		assert.Equal(t, []string{"memory", "rabbitmq", "redis"}, tags["consumer"])
		assert.Equal(t, []string{"memory", "rabbitmq", "redis"}, tags["producer"])
		assert.Equal(t, []string{"default"}, tags["container"])
		assert.Equal(t, []string{"badger", "memory", "redis", "sql"}, tags["process_manager_finder"])
		assert.Equal(t, []string{"badger", "memory", "redis", "sql"}, tags["deduplication_store"])
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := NewRegistry().finder("mongo")
		assert.ErrorIs(t, err, ErrUnknownImplementation)
	})

	t.Run("custom constructor", func(t *testing.T) {
		r := NewRegistry()
		broker := memory.NewBroker()
		called := false
		r.RegisterProducer("custom", func(context.Context, *Resources) (messaging.TransportProducer, error) {
			called = true
			return memory.NewProducer(broker), nil
		})

		resolved, err := config.NewBuilder().WithProcessName("orders").UseProducer("custom").Build()
		require.NoError(t, err)
		bus, err := New(context.Background(), resolved, WithRegistry(r))
		require.NoError(t, err)
		defer bus.Close()
		assert.True(t, called)
	})
}

func TestResources(t *testing.T) {
	t.Run("badger directory", func(t *testing.T) {
		assert.Equal(t, "/var/lib/mbus", BadgerDir("badger:///var/lib/mbus"))
		assert.Equal(t, "data", BadgerDir("data"))
		assert.Equal(t, "", BadgerDir(config.DefaultPersistenceConnectionString))
		assert.Equal(t, "", BadgerDir(""))
	})

	t.Run("sql dsn", func(t *testing.T) {
		assert.Equal(t, "postgres://u:p@db/mbus", SQLDSN("postgres://u:p@db/mbus"))
		assert.Equal(t, "sqlite://mbus.db", SQLDSN("sqlite://mbus.db"))
		assert.Equal(t, "mbus.db", SQLDSN("mbus.db"))
		assert.Equal(t, "file::memory:", SQLDSN(config.DefaultPersistenceConnectionString))
	})

	t.Run("connections are shared and closed once", func(t *testing.T) {
		res := newResources(config.Default("orders"), nil, nil, nil)
		first, err := res.Badger()
		require.NoError(t, err)
		second, err := res.Badger()
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Same(t, res.MemoryBroker(), res.MemoryBroker())

		report := res.Health().Check(context.Background())
		assert.True(t, report.Healthy())
		assert.Contains(t, report.Checks, "badger")

		require.NoError(t, res.Close())
		assert.True(t, first.IsClosed())
		require.NoError(t, res.Close())
	})

	t.Run("in-memory fallback is logged", func(t *testing.T) {
		var buf bytes.Buffer
		settings := config.Default("orders")
		settings.Persistence.ConnectionString = "redis://:secret@cache:6379/0"
		res := newResources(settings, slog.New(slog.NewTextHandler(&buf, nil)), nil, nil)
		defer res.Close()

		_, err := res.Badger()
		require.NoError(t, err)
		_, err = res.SQL()
		require.NoError(t, err)

		assert.Contains(t, buf.String(), "using in-memory badger")
		assert.Contains(t, buf.String(), "using in-memory SQLite")
		assert.Contains(t, buf.String(), "level=WARN")
		assert.NotContains(t, buf.String(), "secret")
	})

	t.Run("configured stores are not logged", func(t *testing.T) {
		var buf bytes.Buffer
		settings := config.Default("orders")
		settings.Persistence.ConnectionString = "badger://" + t.TempDir()
		res := newResources(settings, slog.New(slog.NewTextHandler(&buf, nil)), nil, nil)
		defer res.Close()

		_, err := res.Badger()
		require.NoError(t, err)
		assert.NotContains(t, buf.String(), "in-memory")
	})
}
