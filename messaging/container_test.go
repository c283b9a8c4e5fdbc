package messaging_test

import (
	"context"
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func TestHandlerContainer(t *testing.T) {
	t.Run("rejects invalid registrations", func(t *testing.T) {
		c := messaging.NewHandlerContainer()
		assert.Error(t, c.Register("", messaging.HandlerFunc(func(context.Context, *contracts.Message) error { return nil })))
		assert.Error(t, c.Register("OrderPlaced", nil))
		assert.Error(t, c.RegisterSaga("OrderPlaced", nil))
	})

	t.Run("lists types sorted", func(t *testing.T) {
		c := messaging.NewHandlerContainer()
		noop := messaging.HandlerFunc(func(context.Context, *contracts.Message) error { return nil })
		require.NoError(t, c.Register("b", noop))
		require.NoError(t, c.Register("a", noop))
		require.NoError(t, c.Register("a", noop))

		assert.Equal(t, []string{"a", "b"}, c.MessageTypes())
		assert.Len(t, c.Handlers("a"), 2)
		assert.Empty(t, c.Handlers("c"))
	})

	t.Run("typed handler decodes body", func(t *testing.T) {
		codec := serialization.NewSonicCodec()
		var got orderPlaced
		h := messaging.TypedHandler(codec, func(_ context.Context, _ *contracts.Message, body orderPlaced) error {
			got = body
			return nil
		})

		require.NoError(t, h.Handle(context.Background(), contracts.NewMessage("OrderPlaced", []byte(`{"orderId":"C1"}`))))
		assert.Equal(t, "C1", got.OrderID)

		assert.Error(t, h.Handle(context.Background(), contracts.NewMessage("OrderPlaced", []byte(`not json`))))
	})
}
