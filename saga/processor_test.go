package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFinder struct {
	mock.Mock
}

func (m *mockFinder) Find(ctx context.Context, correlationID string) (*State, error) {
	args := m.Called(ctx, correlationID)
	if s := args.Get(0); s != nil {
		return s.(*State), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockFinder) Save(ctx context.Context, state *State) error {
	return m.Called(ctx, state).Error(0)
}

func (m *mockFinder) Delete(ctx context.Context, correlationID string) error {
	return m.Called(ctx, correlationID).Error(0)
}

func (m *mockFinder) Close() error {
	return m.Called().Error(0)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("creates active state for first message", func(t *testing.T) {
		finder := NewMemoryFinder()
		p := NewProcessor(finder)

		var seen *State
		err := p.Process(ctx, contracts.NewCorrelatedMessage("OrderPlaced", "C1", nil),
			HandlerFunc(func(_ context.Context, _ *contracts.Message, state *State) error {
				seen = state.Clone()
				return nil
			}))
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.True(t, seen.IsNew())
		assert.Equal(t, StatusActive, seen.Status)

		stored, err := finder.Find(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
	})

	t.Run("requires correlation id", func(t *testing.T) {
		p := NewProcessor(NewMemoryFinder())
		msg := contracts.NewMessage("OrderPlaced", nil)
		msg.CorrelationID = ""

		err := p.Process(ctx, msg, HandlerFunc(func(context.Context, *contracts.Message, *State) error {
			t.Fatal("handler must not run")
			return nil
		}))
		assert.ErrorIs(t, err, ErrMissingCorrelationID)
	})

	t.Run("handler error is not saved", func(t *testing.T) {
		finder := NewMemoryFinder()
		p := NewProcessor(finder)
		boom := errors.New("boom")

		err := p.Process(ctx, contracts.NewCorrelatedMessage("OrderPlaced", "C2", nil),
			HandlerFunc(func(context.Context, *contracts.Message, *State) error { return boom }))
		assert.ErrorIs(t, err, boom)

		_, err = finder.Find(ctx, "C2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("re-runs handler on conflict", func(t *testing.T) {
		finder := new(mockFinder)
		finder.On("Find", mock.Anything, "C3").Return(nil, ErrNotFound)
		finder.On("Save", mock.Anything, mock.Anything).Return(ErrVersionConflict).Once()
		finder.On("Save", mock.Anything, mock.Anything).Return(nil).Once()

		calls := 0
		p := NewProcessor(finder)
		err := p.Process(ctx, contracts.NewCorrelatedMessage("OrderPlaced", "C3", nil),
			HandlerFunc(func(context.Context, *contracts.Message, *State) error {
				calls++
				return nil
			}))
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		finder.AssertExpectations(t)
	})

	t.Run("gives up after max conflicts", func(t *testing.T) {
		finder := new(mockFinder)
		finder.On("Find", mock.Anything, "C4").Return(nil, ErrNotFound)
		finder.On("Save", mock.Anything, mock.Anything).Return(ErrVersionConflict)

		p := NewProcessor(finder, WithMaxConflicts(2))
		err := p.Process(ctx, contracts.NewCorrelatedMessage("OrderPlaced", "C4", nil),
			HandlerFunc(func(context.Context, *contracts.Message, *State) error { return nil }))
		assert.ErrorIs(t, err, ErrVersionConflict)
		finder.AssertNumberOfCalls(t, "Save", 3)
	})

	t.Run("deletes completed state", func(t *testing.T) {
		finder := NewMemoryFinder()
		p := NewProcessor(finder, WithDeleteOnComplete())

		err := p.Process(ctx, contracts.NewCorrelatedMessage("OrderShipped", "C5", nil),
			HandlerFunc(func(_ context.Context, _ *contracts.Message, state *State) error {
				state.Complete()
				return nil
			}))
		require.NoError(t, err)

		_, err = finder.Find(ctx, "C5")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
