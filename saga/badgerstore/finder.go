// Package badgerstore implements saga.Finder on an embedded BadgerDB.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/glimte/mbus-go/saga"
	"github.com/glimte/mbus-go/serialization"
)

var _ saga.Finder = (*Finder)(nil)

const keyPrefix = "saga:"

// Finder stores JSON encoded states.
//
// Key format: saga:{correlationId}
type Finder struct {
	db    *badger.DB
	owned bool
}

// New wraps an open database
func New(db *badger.DB) *Finder {
	return &Finder{db: db}
}

// Open opens a database at dir; an empty dir opens an in-memory database
func Open(dir string) (*Finder, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Finder{db: db, owned: true}, nil
}

func readState(txn *badger.Txn, key []byte) (*saga.State, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, saga.ErrNotFound
		}
		return nil, err
	}
	var state saga.State
	err = item.Value(func(val []byte) error {
		return serialization.DefaultCodec.Unmarshal(val, &state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga state: %w", err)
	}
	return &state, nil
}

// Find implements saga.Finder
func (f *Finder) Find(_ context.Context, correlationID string) (*saga.State, error) {
	var state *saga.State
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		state, err = readState(txn, []byte(keyPrefix+correlationID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Save implements saga.Finder. Badger's transaction conflict detection
// rejects a concurrent write to the same key as ErrVersionConflict.
func (f *Finder) Save(_ context.Context, state *saga.State) error {
	if state.CorrelationID == "" {
		return saga.ErrMissingCorrelationID
	}
	key := []byte(keyPrefix + state.CorrelationID)
	next := state.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	err := f.db.Update(func(txn *badger.Txn) error {
		var current int64
		existing, err := readState(txn, key)
		switch {
		case err == nil:
			current = existing.Version
		case !errors.Is(err, saga.ErrNotFound):
			return err
		}
		if current != state.Version {
			return saga.ErrVersionConflict
		}

		data, err := serialization.DefaultCodec.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal saga state: %w", err)
		}
		return txn.Set(key, data)
	})
	switch {
	case errors.Is(err, badger.ErrConflict):
		return saga.ErrVersionConflict
	case err != nil:
		return err
	}

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete implements saga.Finder
func (f *Finder) Delete(_ context.Context, correlationID string) error {
	return f.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + correlationID))
	})
}

// Close implements saga.Finder
func (f *Finder) Close() error {
	if f.owned {
		return f.db.Close()
	}
	return nil
}
