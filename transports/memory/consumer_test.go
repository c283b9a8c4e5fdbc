package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a delivery callback", func(t *testing.T) {
		c := NewConsumer(NewBroker(), "orders")
		assert.Error(t, c.StartConsuming(ctx))
	})

	t.Run("delivers and acks", func(t *testing.T) {
		b := NewBroker()
		c := NewConsumer(b, "orders", WithWorkers(2), WithPrefetch(3))
		defer c.Close()

		var workers sync.Map
		c.OnDelivery(func(ctx context.Context, d messaging.Delivery) {
			workers.Store(d.WorkerID(), true)
			_ = d.Ack(ctx)
			_ = d.Ack(ctx)
		})
		require.NoError(t, c.StartConsuming(ctx))
		require.NoError(t, c.StartConsuming(ctx))

		for range 10 {
			require.NoError(t, b.Send(ctx, "orders", contracts.NewMessage("Order", nil)))
		}
		require.Eventually(t, func() bool { return b.Stats().Acked == 10 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(10), b.Stats().Delivered)
	})

	t.Run("bind subscribes the queue", func(t *testing.T) {
		b := NewBroker()
		c := NewConsumer(b, "orders")
		require.NoError(t, c.Bind(ctx, "OrderPlaced"))
		assert.Equal(t, []string{"orders"}, b.Subscribers("OrderPlaced"))
	})

	t.Run("retry re-enqueues with the retry count header", func(t *testing.T) {
		b := NewBroker()
		c := NewConsumer(b, "orders")
		defer c.Close()

		var attempts atomic.Int32
		headers := make(chan string, 4)
		c.OnDelivery(func(ctx context.Context, d messaging.Delivery) {
			msg := d.Message()
			headers <- msg.Header(contracts.HeaderRetryCount)
			if attempts.Add(1) < 3 {
				next := msg.Clone()
				next.RetryCount++
				delay := time.Duration(0)
				if next.RetryCount == 2 {
					delay = 10 * time.Millisecond
				}
				_ = d.Retry(ctx, next, delay)
				return
			}
			_ = d.Ack(ctx)
		})
		require.NoError(t, c.StartConsuming(ctx))
		require.NoError(t, b.Send(ctx, "orders", contracts.NewMessage("Order", nil)))

		require.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "", <-headers)
		assert.Equal(t, "1", <-headers)
		assert.Equal(t, "2", <-headers)
		assert.Equal(t, uint64(2), b.Stats().Retried)
	})

	t.Run("dead letter goes to the error queue", func(t *testing.T) {
		b := NewBroker()
		c := NewConsumer(b, "orders", WithErrorQueue("failed"))
		defer c.Close()

		cause := errors.New("boom")
		c.OnDelivery(func(ctx context.Context, d messaging.Delivery) {
			_ = d.DeadLetter(ctx, d.Message(), cause)
		})
		require.NoError(t, c.StartConsuming(ctx))
		require.NoError(t, b.Send(ctx, "orders", contracts.NewMessage("Order", nil)))

		require.Eventually(t, func() bool { return len(b.DeadLetters("failed")) == 1 }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, b.DeadLetters("failed")[0].Cause, cause)
		assert.Equal(t, "orders", b.DeadLetters("failed")[0].Source)
	})

	t.Run("stop returns unprocessed prefetched messages", func(t *testing.T) {
		b := NewBroker()
		c := NewConsumer(b, "orders", WithPrefetch(5))

		started := make(chan struct{})
		release := make(chan struct{})
		var handled atomic.Int32
		c.OnDelivery(func(ctx context.Context, d messaging.Delivery) {
			if handled.Add(1) == 1 {
				close(started)
				<-release
			}
			_ = d.Ack(ctx)
		})
		for range 5 {
			require.NoError(t, b.Send(ctx, "orders", contracts.NewMessage("Order", nil)))
		}
		require.NoError(t, c.StartConsuming(ctx))
		<-started

		stopped := make(chan error, 1)
		go func() { stopped <- c.StopConsuming(ctx) }()
		require.Eventually(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return !c.running
		}, time.Second, time.Millisecond)
		close(release)

		require.NoError(t, <-stopped)
		assert.Equal(t, int32(1), handled.Load())
		assert.Equal(t, 4, b.Depth("orders"))
		require.NoError(t, c.StopConsuming(ctx))
	})

	t.Run("from settings", func(t *testing.T) {
		s := config.Default("orders")
		s.Workers = 3
		s.PrefetchCount = 7
		c := NewConsumerFromSettings(NewBroker(), s, nil)
		assert.Equal(t, "orders", c.queueName)
		assert.Equal(t, 3, c.workers)
		assert.Equal(t, 7, c.prefetch)
		assert.Equal(t, config.DefaultErrorQueue, c.errorQueue)
	})

	t.Run("retry into a full queue", func(t *testing.T) {
		b := NewBroker(WithQueueCapacity(1))
		c := NewConsumer(b, "orders")
		require.NoError(t, b.Send(ctx, "orders", contracts.NewMessage("Filler", nil)))

		msg := contracts.NewMessage("Order", nil)
		msg.RetryCount = 1
		d := &delivery{consumer: c, msg: msg}
		assert.ErrorIs(t, d.Retry(ctx, msg, 0), ErrQueueFull)
		assert.Empty(t, b.DeadLetters(config.DefaultErrorQueue))

		delayed := &delivery{consumer: c, msg: msg}
		require.NoError(t, delayed.Retry(ctx, msg, 5*time.Millisecond))
		require.NoError(t, c.Close())

		dls := b.DeadLetters(config.DefaultErrorQueue)
		require.Len(t, dls, 1)
		assert.ErrorIs(t, dls[0].Cause, ErrQueueFull)
		assert.Equal(t, msg.ID, dls[0].Message.ID)
		assert.Equal(t, "orders", dls[0].Source)
	})
}
