package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := Open(dsn, "test-store", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	seen, err := store.HasSeen(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Record(ctx, "M1", time.Now().Add(time.Hour)))
	require.NoError(t, store.Record(ctx, "M1", time.Now().Add(2*time.Hour)))
	require.NoError(t, store.Record(ctx, "old", time.Now().Add(-time.Minute)))

	seen, err = store.HasSeen(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.HasSeen(ctx, "old")
	require.NoError(t, err)
	assert.False(t, seen)

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	seen, err = store.HasSeen(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, seen)
}
