package serialization

import (
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Order struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type Shipped struct {
	OrderID string `json:"orderId"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("registers type with name", func(t *testing.T) {
		registry := NewTypeRegistry(nil)

		require.NoError(t, registry.Register("Order", &Order{}))

		assert.True(t, registry.IsRegistered("Order"))
		name, err := registry.NameOf(Order{})
		require.NoError(t, err)
		assert.Equal(t, "Order", name)
	})

	t.Run("registers type by Go name", func(t *testing.T) {
		registry := NewTypeRegistry(nil)

		require.NoError(t, registry.RegisterType(&Shipped{}))
		require.NoError(t, registry.RegisterType(Order{}))

		assert.Equal(t, []string{"Order", "Shipped"}, registry.Types())
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		registry := NewTypeRegistry(nil)

		assert.ErrorIs(t, registry.Register("", &Order{}), ErrEmptyTypeName)
		assert.ErrorIs(t, registry.Register("x", nil), ErrNilType)
		assert.Error(t, registry.Register("x", 42))
	})

	t.Run("same type twice is allowed, conflicting type is not", func(t *testing.T) {
		registry := NewTypeRegistry(nil)

		require.NoError(t, registry.Register("Order", &Order{}))
		assert.NoError(t, registry.Register("Order", Order{}))
		assert.Error(t, registry.Register("Order", &Shipped{}))
	})

	t.Run("ToMessage and FromMessage", func(t *testing.T) {
		registry := NewTypeRegistry(nil)
		require.NoError(t, registry.RegisterType(&Order{}))

		msg, err := registry.ToMessage(&Order{OrderID: "o-1", Amount: 12.5}, "C1")
		require.NoError(t, err)
		assert.Equal(t, "Order", msg.Type)
		assert.Equal(t, "C1", msg.CorrelationID)

		v, err := registry.FromMessage(msg)
		require.NoError(t, err)
		order, ok := v.(*Order)
		require.True(t, ok)
		assert.Equal(t, "o-1", order.OrderID)
	})

	t.Run("FromMessage unknown type", func(t *testing.T) {
		registry := NewTypeRegistry(nil)
		_, err := registry.FromMessage(contracts.NewMessage("Nope", nil))
		assert.ErrorIs(t, err, ErrTypeNotRegistered)
	})
}

func TestEnvelopeCodec(t *testing.T) {
	codec := NewSonicCodec()
	msg := contracts.NewCorrelatedMessage("Order", "C1", []byte(`{"orderId":"o-1"}`))
	msg.RetryCount = 1

	data, err := EncodeEnvelope(codec, msg)
	require.NoError(t, err)

	out, err := DecodeEnvelope(codec, data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, 1, out.RetryCount)

	order, err := DecodeBody[Order](codec, out)
	require.NoError(t, err)
	assert.Equal(t, "o-1", order.OrderID)

	_, err = DecodeEnvelope(codec, []byte("not json"))
	assert.Error(t, err)
}
