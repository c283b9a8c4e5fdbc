// Package badgerstore implements dedup.Store on an embedded BadgerDB.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/glimte/mbus-go/dedup"
)

var _ dedup.Store = (*Store)(nil)

const keyPrefix = "dedup:"

// Store keeps one entry per message id with a Badger TTL.
//
// Key format: dedup:{messageId}
type Store struct {
	db    *badger.DB
	owned bool
}

// New wraps an open database
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens a database at dir; an empty dir opens an in-memory database
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, owned: true}, nil
}

// HasSeen implements dedup.Store
func (s *Store) HasSeen(_ context.Context, messageID string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + messageID))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check message id: %w", err)
	}
}

// Record implements dedup.Store
func (s *Store) Record(_ context.Context, messageID string, expiry time.Time) error {
	key := []byte(keyPrefix + messageID)

	err := s.db.Update(func(txn *badger.Txn) error {
		value := []byte(strconv.FormatInt(time.Now().UnixMilli(), 10))
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if item.ExpiresAt() >= expiresAt(expiry) {
				return nil
			}
			if value, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		e := badger.NewEntry(key, value)
		e.ExpiresAt = expiresAt(expiry)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("failed to record message id: %w", err)
	}
	return nil
}

// Badger expires entries at whole seconds; round up so a record never expires early
func expiresAt(expiry time.Time) uint64 {
	sec := expiry.Unix()
	if expiry.Nanosecond() > 0 {
		sec++
	}
	return uint64(sec)
}

// Cleanup implements dedup.Store by reclaiming value log space held by expired entries
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	if s.db.Opts().InMemory {
		return 0, nil
	}
	for ctx.Err() == nil {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to run value log gc: %w", err)
		}
	}
	return 0, ctx.Err()
}

// Close implements dedup.Store
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
