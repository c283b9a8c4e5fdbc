// Package sagatest holds a behavioural test suite shared by saga.Finder implementations.
package sagatest

import (
	"context"
	"sync"
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/saga"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Count int `json:"count"`
}

// RunFinderTests exercises the versioning contract of a Finder
func RunFinderTests(t *testing.T, finder saga.Finder) {
	ctx := context.Background()

	t.Run("find missing", func(t *testing.T) {
		_, err := finder.Find(ctx, uuid.NewString())
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("save and find", func(t *testing.T) {
		id := uuid.NewString()
		state := saga.NewState(id)
		require.NoError(t, state.Encode(counter{Count: 1}))
		require.NoError(t, finder.Save(ctx, state))
		assert.Equal(t, int64(1), state.Version)

		loaded, err := finder.Find(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, loaded.CorrelationID)
		assert.Equal(t, saga.StatusActive, loaded.Status)
		assert.Equal(t, int64(1), loaded.Version)

		var c counter
		require.NoError(t, loaded.Decode(&c))
		assert.Equal(t, 1, c.Count)

		loaded.Complete()
		require.NoError(t, finder.Save(ctx, loaded))
		assert.Equal(t, int64(2), loaded.Version)

		again, err := finder.Find(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompleted, again.Status)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, finder.Save(ctx, saga.NewState(id)))

		first, err := finder.Find(ctx, id)
		require.NoError(t, err)
		second, err := finder.Find(ctx, id)
		require.NoError(t, err)

		require.NoError(t, finder.Save(ctx, first))
		assert.ErrorIs(t, finder.Save(ctx, second), saga.ErrVersionConflict)

		// a second "new" state for an existing id
		assert.ErrorIs(t, finder.Save(ctx, saga.NewState(id)), saga.ErrVersionConflict)
	})

	t.Run("delete", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, finder.Save(ctx, saga.NewState(id)))
		require.NoError(t, finder.Delete(ctx, id))

		_, err := finder.Find(ctx, id)
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("missing correlation id", func(t *testing.T) {
		assert.ErrorIs(t, finder.Save(ctx, saga.NewState("")), saga.ErrMissingCorrelationID)
	})

	t.Run("concurrent processors serialize per correlation id", func(t *testing.T) {
		const (
			workers  = 4
			messages = 10
		)
		id := uuid.NewString()
		processor := saga.NewProcessor(finder, saga.WithMaxConflicts(1000))
		increment := saga.HandlerFunc(func(_ context.Context, _ *contracts.Message, state *saga.State) error {
			var c counter
			if err := state.Decode(&c); err != nil {
				return err
			}
			c.Count++
			return state.Encode(c)
		})

		var wg sync.WaitGroup
		errs := make(chan error, workers*messages)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < messages; i++ {
					msg := contracts.NewCorrelatedMessage("Increment", id, nil)
					errs <- processor.Process(ctx, msg, increment)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		state, err := finder.Find(ctx, id)
		require.NoError(t, err)
		var c counter
		require.NoError(t, state.Decode(&c))
		assert.Equal(t, workers*messages, c.Count)
		assert.Equal(t, int64(workers*messages), state.Version)
	})
}
