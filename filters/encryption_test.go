package filters

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func TestEncryption(t *testing.T) {
	ctx := context.Background()

	newPair := func(t *testing.T, sealKey, openKey []byte) *Pipeline {
		t.Helper()
		enc, err := NewEncrypt(sealKey)
		require.NoError(t, err)
		dec, err := NewDecrypt(openKey)
		require.NoError(t, err)
		return NewPipeline(WithOutgoing(enc), WithBeforeConsuming(dec))
	}

	t.Run("round trip", func(t *testing.T) {
		p := newPair(t, testKey(1), testKey(1))
		msg := contracts.NewMessage("Order", []byte(`{"id":"C1"}`))

		_, err := p.RunOutgoing(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, EncryptionAlgorithm, msg.Header(HeaderEncryption))
		assert.NotContains(t, string(msg.Body), "C1")

		verdict, err := p.RunBeforeConsuming(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, Pass, verdict)
		assert.Equal(t, `{"id":"C1"}`, string(msg.Body))
		assert.Empty(t, msg.Header(HeaderEncryption))
	})

	t.Run("already sealed bodies are not sealed twice", func(t *testing.T) {
		p := newPair(t, testKey(1), testKey(1))
		msg := contracts.NewMessage("Order", []byte("x"))
		_, err := p.RunOutgoing(ctx, msg)
		require.NoError(t, err)
		sealed := append([]byte(nil), msg.Body...)

		_, err = p.RunOutgoing(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, sealed, msg.Body)
	})

	t.Run("plain messages pass", func(t *testing.T) {
		p := newPair(t, testKey(1), testKey(1))
		msg := contracts.NewMessage("Order", []byte("plain"))
		verdict, err := p.RunBeforeConsuming(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, Pass, verdict)
		assert.Equal(t, "plain", string(msg.Body))
	})

	t.Run("wrong key is a FilterFailure", func(t *testing.T) {
		p := newPair(t, testKey(1), testKey(2))
		msg := contracts.NewMessage("Order", []byte("secret"))
		_, err := p.RunOutgoing(ctx, msg)
		require.NoError(t, err)

		verdict, err := p.RunBeforeConsuming(ctx, msg)
		assert.Equal(t, Reject, verdict)
		var failure *FilterFailure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, "Decrypt", failure.Stage)
		assert.Equal(t, EncryptionAlgorithm, msg.Header(HeaderEncryption))
	})

	t.Run("body bound to the message id", func(t *testing.T) {
		p := newPair(t, testKey(1), testKey(1))
		msg := contracts.NewMessage("Order", []byte("secret"))
		_, err := p.RunOutgoing(ctx, msg)
		require.NoError(t, err)

		msg.ID = "other"
		_, err = p.RunBeforeConsuming(ctx, msg)
		assert.Error(t, err)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		dec, err := NewDecrypt(testKey(1))
		require.NoError(t, err)
		msg := contracts.NewMessage("Order", []byte("x"))
		msg.SetHeader(HeaderEncryption, "rot13")

		_, err = dec.Process(ctx, msg)
		assert.ErrorIs(t, err, ErrUnsupportedEncryption)
	})

	t.Run("key size", func(t *testing.T) {
		_, err := NewEncrypt([]byte("short"))
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = NewDecrypt(nil)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}
