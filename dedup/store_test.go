package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/filters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("HasSeen until expiry", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryStore(WithClock(clock.Now))

		seen, err := store.HasSeen(ctx, "M1")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, store.Record(ctx, "M1", clock.Now().Add(time.Minute)))

		seen, _ = store.HasSeen(ctx, "M1")
		assert.True(t, seen)

		clock.Advance(59 * time.Second)
		seen, _ = store.HasSeen(ctx, "M1")
		assert.True(t, seen)

		clock.Advance(time.Second)
		seen, _ = store.HasSeen(ctx, "M1")
		assert.False(t, seen)
	})

	t.Run("Record keeps first seen and extends expiry", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryStore(WithClock(clock.Now))
		first := clock.Now()

		require.NoError(t, store.Record(ctx, "M1", first.Add(time.Minute)))
		clock.Advance(10 * time.Second)
		require.NoError(t, store.Record(ctx, "M1", first.Add(time.Hour)))
		require.NoError(t, store.Record(ctx, "M1", first.Add(time.Second*30)))

		rec, ok := store.Get("M1")
		require.True(t, ok)
		assert.Equal(t, first, rec.FirstSeen)
		assert.Equal(t, first.Add(time.Hour), rec.ExpiresAt)
	})

	t.Run("Cleanup never removes unexpired records", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryStore(WithClock(clock.Now))

		require.NoError(t, store.Record(ctx, "short", clock.Now().Add(time.Second)))
		require.NoError(t, store.Record(ctx, "long", clock.Now().Add(time.Hour)))

		removed, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		clock.Advance(time.Second)
		removed, err = store.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Equal(t, 1, store.Len())

		seen, _ := store.HasSeen(ctx, "long")
		assert.True(t, seen)
	})

	t.Run("concurrent access", func(t *testing.T) {
		store := NewMemoryStore()
		expiry := time.Now().Add(time.Hour)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					id := fmt.Sprintf("m-%d-%d", w, i)
					assert.NoError(t, store.Record(ctx, id, expiry))
					seen, err := store.HasSeen(ctx, id)
					assert.NoError(t, err)
					assert.True(t, seen)
				}
			}(w)
		}
		wg.Wait()

		assert.Equal(t, 800, store.Len())
	})
}

func TestCleaner(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithClock(clock.Now))
	require.NoError(t, store.Record(context.Background(), "M1", clock.Now().Add(time.Millisecond)))
	clock.Advance(time.Second)

	cleaner := NewCleaner(store, 5*time.Millisecond, nil)
	cleaner.Start(context.Background())
	cleaner.Start(context.Background())
	defer cleaner.Stop()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	cleaner.Stop()
	cleaner.Stop()
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) HasSeen(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Record(ctx context.Context, id string, expiry time.Time) error {
	args := m.Called(ctx, id, expiry)
	return args.Error(0)
}

func (m *mockStore) Cleanup(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Close() error {
	return nil
}

func TestStages(t *testing.T) {
	ctx := context.Background()

	t.Run("check then record then drop", func(t *testing.T) {
		store := NewMemoryStore()
		pipeline := filters.NewPipeline(
			filters.WithBeforeConsuming(NewCheck(store)),
			filters.WithAfterConsuming(NewRecorder(store, time.Hour)),
		)
		msg := contracts.NewMessage("Order", nil)
		msg.ID = "M1"

		verdict, err := pipeline.RunBeforeConsuming(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, filters.Pass, verdict)

		_, err = pipeline.RunAfterConsuming(ctx, msg)
		require.NoError(t, err)

		verdict, err = pipeline.RunBeforeConsuming(ctx, msg.Clone())
		require.NoError(t, err)
		assert.Equal(t, filters.Drop, verdict)
	})

	t.Run("store failure is a filter failure", func(t *testing.T) {
		store := &mockStore{}
		store.On("HasSeen", mock.Anything, "M1").Return(false, errors.New("connection refused"))
		pipeline := filters.NewPipeline(filters.WithBeforeConsuming(NewCheck(store)))
		msg := contracts.NewMessage("Order", nil)
		msg.ID = "M1"

		_, err := pipeline.RunBeforeConsuming(ctx, msg)

		var failure *filters.FilterFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "DeduplicationCheck", failure.Stage)
	})
}
