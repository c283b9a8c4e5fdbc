package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("send copies the message", func(t *testing.T) {
		b := NewBroker()
		msg := contracts.NewMessage("Order", []byte(`{}`))
		require.NoError(t, b.Send(ctx, "orders", msg))
		msg.SetHeader("mutated", "yes")

		got := b.queue("orders").take(1)
		require.Len(t, got, 1)
		assert.Empty(t, got[0].Header("mutated"))
		assert.Equal(t, uint64(1), b.Stats().Sent)
	})

	t.Run("publish fans out to subscribers", func(t *testing.T) {
		b := NewBroker()
		b.Subscribe("billing", "OrderPlaced")
		b.Subscribe("shipping", "OrderPlaced")
		b.Subscribe("billing", "OrderPlaced")

		require.NoError(t, b.Publish(ctx, contracts.NewMessage("OrderPlaced", nil)))
		assert.Equal(t, []string{"billing", "shipping"}, b.Subscribers("OrderPlaced"))
		assert.Equal(t, 1, b.Depth("billing"))
		assert.Equal(t, 1, b.Depth("shipping"))
	})

	t.Run("publish aggregates per queue failures", func(t *testing.T) {
		b := NewBroker(WithQueueCapacity(1))
		b.Subscribe("full", "OrderPlaced")
		b.Subscribe("open", "OrderPlaced")
		require.NoError(t, b.Send(ctx, "full", contracts.NewMessage("Other", nil)))

		err := b.Publish(ctx, contracts.NewMessage("OrderPlaced", nil))
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Contains(t, err.Error(), "full")
		assert.Equal(t, 1, b.Depth("open"))
	})

	t.Run("closed broker rejects sends", func(t *testing.T) {
		b := NewBroker()
		require.NoError(t, b.Close())
		assert.ErrorIs(t, b.Send(ctx, "orders", contracts.NewMessage("Order", nil)), ErrClosed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		b := NewBroker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, b.Send(cctx, "orders", contracts.NewMessage("Order", nil)), context.Canceled)
		assert.Equal(t, 0, b.Depth("orders"))
	})

	t.Run("dead letters are kept per error queue", func(t *testing.T) {
		b := NewBroker()
		cause := errors.New("boom")
		b.deadLetter("errors", "orders", contracts.NewMessage("Order", nil), cause)

		dls := b.DeadLetters("errors")
		require.Len(t, dls, 1)
		assert.Equal(t, "orders", dls[0].Source)
		assert.ErrorIs(t, dls[0].Cause, cause)
		assert.Empty(t, b.DeadLetters("other"))
	})
}

func TestQueue(t *testing.T) {
	q := newQueue(3)
	a := contracts.NewMessage("A", nil)
	b := contracts.NewMessage("B", nil)
	c := contracts.NewMessage("C", nil)

	require.NoError(t, q.push(a))
	require.NoError(t, q.push(b))
	require.NoError(t, q.push(c))
	assert.ErrorIs(t, q.push(contracts.NewMessage("D", nil)), ErrQueueFull)

	batch := q.take(2)
	assert.Equal(t, []*contracts.Message{a, b}, batch)

	q.pushFront(batch[1:]...)
	assert.Equal(t, []*contracts.Message{b, c}, q.take(10))
	assert.Empty(t, q.take(1))
}
