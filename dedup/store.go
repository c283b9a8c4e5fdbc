package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Record is a previously seen message identifier
type Record struct {
	MessageID string
	FirstSeen time.Time
	ExpiresAt time.Time
}

// Store persists message identifiers with an expiry
type Store interface {
	// HasSeen reports whether messageID has an unexpired record
	HasSeen(ctx context.Context, messageID string) (bool, error)
	// Record stores messageID until expiry
	Record(ctx context.Context, messageID string, expiry time.Time) error
	// Cleanup removes expired records and returns how many were removed, when known
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	records map[string]Record
}

// MemoryStore is an in-process Store sharded by message id
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-process store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]Record)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// HasSeen implements Store
func (s *MemoryStore) HasSeen(_ context.Context, messageID string) (bool, error) {
	sh := s.shardFor(messageID)
	sh.mu.RLock()
	rec, ok := sh.records[messageID]
	sh.mu.RUnlock()
	return ok && s.now().Before(rec.ExpiresAt), nil
}

// Record implements Store
func (s *MemoryStore) Record(_ context.Context, messageID string, expiry time.Time) error {
	sh := s.shardFor(messageID)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[messageID]
	if !ok || !now.Before(rec.ExpiresAt) {
		rec = Record{MessageID: messageID, FirstSeen: now}
	}
	if expiry.After(rec.ExpiresAt) {
		rec.ExpiresAt = expiry
	}
	sh.records[messageID] = rec
	return nil
}

// Get returns the stored record for messageID
func (s *MemoryStore) Get(messageID string) (Record, bool) {
	sh := s.shardFor(messageID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[messageID]
	return rec, ok
}

// Cleanup implements Store
func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		now := s.now()
		sh.mu.Lock()
		for id, rec := range sh.records {
			if !now.Before(rec.ExpiresAt) {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored records, expired or not
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
