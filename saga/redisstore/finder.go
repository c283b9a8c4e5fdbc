// Package redisstore implements saga.Finder on Redis hashes with a Lua compare-and-set.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mbus-go/saga"
	"github.com/redis/go-redis/v9"
)

var _ saga.Finder = (*Finder)(nil)

// KEYS[1] state hash; ARGV: expected version, new version, status, data, updated
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current == false then current = '0' end
if current ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'status', ARGV[3], 'data', ARGV[4], 'updated', ARGV[5])
return 1
`)

// Finder stores each state in a hash at {prefix}:{correlationId}
type Finder struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// Option configures a Finder
type Option func(*Finder)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(f *Finder) {
		f.prefix = prefix
	}
}

// New wraps an existing client
func New(client redis.UniversalClient, opts ...Option) *Finder {
	f := &Finder{client: client, prefix: "mbus:saga"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open connects using a redis:// URL
func Open(ctx context.Context, url string, opts ...Option) (*Finder, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	f := New(client, opts...)
	f.owned = true
	return f, nil
}

func (f *Finder) key(id string) string {
	return f.prefix + ":" + id
}

// Find implements saga.Finder
func (f *Finder) Find(ctx context.Context, correlationID string) (*saga.State, error) {
	fields, err := f.client.HGetAll(ctx, f.key(correlationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load saga state: %w", err)
	}
	if len(fields) == 0 {
		return nil, saga.ErrNotFound
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid saga version %q: %w", fields["version"], err)
	}
	state := &saga.State{
		CorrelationID: correlationID,
		Status:        saga.Status(fields["status"]),
		Version:       version,
	}
	if data := fields["data"]; data != "" {
		state.Data = []byte(data)
	}
	if ms, err := strconv.ParseInt(fields["updated"], 10, 64); err == nil {
		state.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return state, nil
}

// Save implements saga.Finder
func (f *Finder) Save(ctx context.Context, state *saga.State) error {
	if state.CorrelationID == "" {
		return saga.ErrMissingCorrelationID
	}
	now := time.Now().UTC()
	next := state.Version + 1

	ok, err := saveScript.Run(ctx, f.client, []string{f.key(state.CorrelationID)},
		strconv.FormatInt(state.Version, 10),
		strconv.FormatInt(next, 10),
		string(state.Status),
		state.Data,
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to save saga state: %w", err)
	}
	if ok != 1 {
		return saga.ErrVersionConflict
	}

	state.Version = next
	state.UpdatedAt = now
	return nil
}

// Delete implements saga.Finder
func (f *Finder) Delete(ctx context.Context, correlationID string) error {
	if err := f.client.Del(ctx, f.key(correlationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete saga state: %w", err)
	}
	return nil
}

// Close implements saga.Finder
func (f *Finder) Close() error {
	if f.owned {
		return f.client.Close()
	}
	return nil
}
