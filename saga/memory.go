package saga

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	states map[string]*State
}

// MemoryFinder is an in-process Finder sharded by correlation id
type MemoryFinder struct {
	shards [shardCount]*shard
}

// NewMemoryFinder creates an empty finder
func NewMemoryFinder() *MemoryFinder {
	f := &MemoryFinder{}
	for i := range f.shards {
		f.shards[i] = &shard{states: make(map[string]*State)}
	}
	return f
}

func (f *MemoryFinder) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return f.shards[h.Sum32()%shardCount]
}

// Find implements Finder
func (f *MemoryFinder) Find(_ context.Context, correlationID string) (*State, error) {
	sh := f.shardFor(correlationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

// Save implements Finder
func (f *MemoryFinder) Save(_ context.Context, state *State) error {
	if state.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	sh := f.shardFor(state.CorrelationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current int64
	if existing, ok := sh.states[state.CorrelationID]; ok {
		current = existing.Version
	}
	if current != state.Version {
		return ErrVersionConflict
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	sh.states[state.CorrelationID] = state.Clone()
	return nil
}

// Delete implements Finder
func (f *MemoryFinder) Delete(_ context.Context, correlationID string) error {
	sh := f.shardFor(correlationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.states, correlationID)
	return nil
}

// Close implements Finder
func (f *MemoryFinder) Close() error {
	return nil
}
