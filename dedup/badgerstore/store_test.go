package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()

	t.Run("records and reports", func(t *testing.T) {
		seen, err := store.HasSeen(ctx, "M1")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, store.Record(ctx, "M1", time.Now().Add(time.Hour)))

		seen, err = store.HasSeen(ctx, "M1")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("expired records are not seen", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, "M2", time.Now().Add(-2*time.Second)))

		seen, err := store.HasSeen(ctx, "M2")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("later record does not shorten expiry", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, "M3", time.Now().Add(time.Hour)))
		require.NoError(t, store.Record(ctx, "M3", time.Now().Add(-2*time.Second)))

		seen, err := store.HasSeen(ctx, "M3")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("cleanup in memory mode is a no-op", func(t *testing.T) {
		removed, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})
}

func TestExpiresAtRoundsUp(t *testing.T) {
	exact := time.Unix(100, 0)
	assert.Equal(t, uint64(100), expiresAt(exact))
	assert.Equal(t, uint64(101), expiresAt(exact.Add(time.Millisecond)))
}
