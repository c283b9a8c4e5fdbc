package messaging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/filters"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/transports/memory"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransportProducer struct {
	mock.Mock
}

func (m *mockTransportProducer) Send(ctx context.Context, endpoint string, msg *contracts.Message) error {
	return m.Called(ctx, endpoint, msg).Error(0)
}

func (m *mockTransportProducer) Publish(ctx context.Context, msg *contracts.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockTransportProducer) Close() error {
	return m.Called().Error(0)
}

func countingStage(n *atomic.Int32) filters.Stage {
	return filters.NewStageFunc("count", func(context.Context, *contracts.Message) (filters.Verdict, error) {
		n.Add(1)
		return filters.Pass, nil
	})
}

func TestMessageProducer(t *testing.T) {
	ctx := context.Background()

	t.Run("send without mapping fails", func(t *testing.T) {
		broker := memory.NewBroker()
		p := messaging.NewMessageProducer(memory.NewProducer(broker))

		msg := contracts.NewMessage("Order", []byte(`{"id":"C1"}`))
		err := p.Send(ctx, msg)
		assert.ErrorIs(t, err, messaging.ErrNoEndpointMapping)

		err = p.SendTo(ctx, "", msg)
		assert.ErrorIs(t, err, messaging.ErrNoEndpointMapping)
	})

	t.Run("send uses mapping and explicit destination wins", func(t *testing.T) {
		broker := memory.NewBroker()
		p := messaging.NewMessageProducer(memory.NewProducer(broker),
			messaging.WithEndpointMapping(config.EndpointMapping{"Order": "orders"}))

		require.NoError(t, p.Send(ctx, contracts.NewMessage("Order", nil)))
		require.NoError(t, p.SendTo(ctx, "priority", contracts.NewMessage("Order", nil)))

		assert.Equal(t, 1, broker.Depth("orders"))
		assert.Equal(t, 1, broker.Depth("priority"))
	})

	t.Run("invalid message is rejected", func(t *testing.T) {
		p := messaging.NewMessageProducer(memory.NewProducer(memory.NewBroker()))
		msg := contracts.NewMessage("", nil)
		assert.ErrorIs(t, p.SendTo(ctx, "orders", msg), contracts.ErrMissingType)
	})

	t.Run("outgoing stages run once per publish and do not touch the caller's message", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.Subscribe("a", "OrderShipped")
		broker.Subscribe("b", "OrderShipped")

		var runs atomic.Int32
		pipeline := filters.NewPipeline(filters.WithOutgoing(
			countingStage(&runs),
			filters.NewSetHeaders(map[string]string{"x-tenant": "acme"}),
		))
		p := messaging.NewMessageProducer(memory.NewProducer(broker), messaging.WithProducerPipeline(pipeline))

		msg := contracts.NewMessage("OrderShipped", nil)
		require.NoError(t, p.Publish(ctx, msg))

		assert.Equal(t, int32(1), runs.Load())
		assert.Equal(t, 1, broker.Depth("a"))
		assert.Equal(t, 1, broker.Depth("b"))
		assert.Empty(t, msg.Header("x-tenant"))
	})

	t.Run("outgoing failure aborts the whole publish", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.Subscribe("a", "OrderShipped")
		pipeline := filters.NewPipeline(filters.WithOutgoing(
			filters.NewStageFunc("encrypt", func(context.Context, *contracts.Message) (filters.Verdict, error) {
				return filters.Reject, errors.New("no key")
			})))
		p := messaging.NewMessageProducer(memory.NewProducer(broker), messaging.WithProducerPipeline(pipeline))

		err := p.Publish(ctx, contracts.NewMessage("OrderShipped", nil))
		var failure *filters.FilterFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, filters.Outgoing, failure.Chain)
		assert.Equal(t, 0, broker.Depth("a"))
	})

	t.Run("outgoing drop skips the send", func(t *testing.T) {
		broker := memory.NewBroker()
		pipeline := filters.NewPipeline(filters.WithOutgoing(
			filters.NewStageFunc("drop", func(context.Context, *contracts.Message) (filters.Verdict, error) {
				return filters.Drop, nil
			})))
		p := messaging.NewMessageProducer(memory.NewProducer(broker), messaging.WithProducerPipeline(pipeline))

		require.NoError(t, p.SendTo(ctx, "orders", contracts.NewMessage("Order", nil)))
		assert.Equal(t, 0, broker.Depth("orders"))
	})

	t.Run("publish failure on one subscriber does not block others", func(t *testing.T) {
		broker := memory.NewBroker(memory.WithQueueCapacity(1))
		broker.Subscribe("full", "OrderShipped")
		broker.Subscribe("open", "OrderShipped")
		require.NoError(t, broker.Send(ctx, "full", contracts.NewMessage("Filler", nil)))

		p := messaging.NewMessageProducer(memory.NewProducer(broker))
		err := p.Publish(ctx, contracts.NewMessage("OrderShipped", nil))

		assert.ErrorIs(t, err, memory.ErrQueueFull)
		assert.Equal(t, 1, broker.Depth("open"))
	})

	t.Run("repeated publish failures on one subscriber never block the others", func(t *testing.T) {
		broker := memory.NewBroker(memory.WithQueueCapacity(10))
		for range 10 {
			require.NoError(t, broker.Send(ctx, "full", contracts.NewMessage("Filler", nil)))
		}
		broker.Subscribe("full", "OrderShipped")
		broker.Subscribe("open", "OrderShipped")

		settings := messaging.DefaultCircuitBreakerSettings()
		p := messaging.NewMessageProducer(memory.NewProducer(broker), messaging.WithCircuitBreaker(settings))
		publishes := settings.ConsecutiveFailures + 3
		for range publishes {
			err := p.Publish(ctx, contracts.NewMessage("OrderShipped", nil))
			assert.ErrorIs(t, err, memory.ErrQueueFull)
			assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
		}
		assert.Equal(t, int(publishes), broker.Depth("open"))
	})

	t.Run("circuit breaker opens per destination", func(t *testing.T) {
		transport := new(mockTransportProducer)
		transport.On("Send", mock.Anything, "down", mock.Anything).Return(errors.New("unreachable"))
		transport.On("Send", mock.Anything, "up", mock.Anything).Return(nil)

		p := messaging.NewMessageProducer(transport, messaging.WithCircuitBreaker(messaging.CircuitBreakerSettings{
			ConsecutiveFailures: 2,
			OpenTimeout:         time.Minute,
			HalfOpenRequests:    1,
		}))

		for i := 0; i < 2; i++ {
			assert.Error(t, p.SendTo(ctx, "down", contracts.NewMessage("Order", nil)))
		}
		err := p.SendTo(ctx, "down", contracts.NewMessage("Order", nil))
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		transport.AssertNumberOfCalls(t, "Send", 2)

		assert.NoError(t, p.SendTo(ctx, "up", contracts.NewMessage("Order", nil)))
	})
}
