package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	t.Run("builds with explicit values", func(t *testing.T) {
		resolved, err := NewBuilder().
			WithProcessName("svc").
			WithHost("broker").
			WithCredentials("user", "pass").
			WithQueueName("orders").
			WithMaxRetries(2).
			WithRetryDelay(0).
			WithWorkers(3).
			WithPrefetchCount(5).
			UseTransport(TagRabbitMQ).
			UseProcessManagerFinder(TagRedis).
			MapEndpoint("Order", "old").
			MapEndpoint("Order", "billing").
			Build()

		require.NoError(t, err)
		s := resolved.Settings
		assert.Equal(t, "broker", s.Host)
		assert.Equal(t, "orders", s.Queue.Name)
		assert.Equal(t, 2, s.Retry.MaxRetries)
		assert.Equal(t, time.Duration(0), s.Retry.Delay)
		assert.Equal(t, 3, s.Workers)
		assert.Equal(t, TagRabbitMQ, resolved.Selections.Consumer)
		assert.Equal(t, TagRabbitMQ, resolved.Selections.Producer)
		assert.Equal(t, TagRedis, resolved.Selections.ProcessManagerFinder)
		assert.Equal(t, "billing", resolved.Mapping["Order"])
	})

	t.Run("validates at the end", func(t *testing.T) {
		_, err := NewBuilder().
			WithProcessName("svc").
			WithMaxRetries(-1).
			WithWorkers(0).
			Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "max retries")
		assert.Contains(t, err.Error(), "workers")
	})

	t.Run("setter after Build panics", func(t *testing.T) {
		b := NewBuilder().WithProcessName("svc")
		_, err := b.Build()
		require.NoError(t, err)

		assert.PanicsWithValue(t, ErrBuilderFrozen, func() { b.WithHost("late") })
		assert.PanicsWithValue(t, ErrBuilderFrozen, func() { _, _ = b.Build() })
	})

	t.Run("explicit file load surfaces missing configuration", func(t *testing.T) {
		_, err := NewBuilder().FromConfigFile("/does/not/exist.yaml", "orders").Build()
		assert.ErrorIs(t, err, ErrConfigurationMissing)
	})

	t.Run("tls paths must be paired", func(t *testing.T) {
		_, err := NewBuilder().WithProcessName("svc").WithTLS("broker", "cert.pem", "", "").Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tls certificate")
	})
}

func TestTLSConfig(t *testing.T) {
	cfg, err := TLSSettings{}.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = TLSSettings{Enabled: true, ServerName: "broker"}.TLSConfig()
	require.NoError(t, err)
	assert.Equal(t, "broker", cfg.ServerName)

	_, err = TLSSettings{Enabled: true, CAPath: "/does/not/exist"}.TLSConfig()
	assert.Error(t, err)
}
