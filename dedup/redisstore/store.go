// Package redisstore implements dedup.Store on Redis keys with absolute expiry.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mbus-go/dedup"
	"github.com/redis/go-redis/v9"
)

var _ dedup.Store = (*Store)(nil)

// recordScript sets the first-seen value once and only ever moves the expiry later.
// ARGV[1] = now (unix ms), ARGV[2] = expiry (unix ms)
var recordScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX')
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 or tonumber(ARGV[1]) + ttl < tonumber(ARGV[2]) then
	redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return 1
`)

// Store keeps one key per message id: {prefix}:{messageId} -> first seen (unix ms)
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// Option configures a Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps an existing client
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "mbus:dedup"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects using a redis:// URL; the store closes the client on Close
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

func (s *Store) key(id string) string {
	return s.prefix + ":" + id
}

// HasSeen implements dedup.Store
func (s *Store) HasSeen(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check message id: %w", err)
	}
	return n > 0, nil
}

// Record implements dedup.Store. An existing record keeps its first-seen value
// and the later of the two expiries.
func (s *Store) Record(ctx context.Context, messageID string, expiry time.Time) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	at := strconv.FormatInt(expiry.UnixMilli(), 10)

	if err := recordScript.Run(ctx, s.client, []string{s.key(messageID)}, now, at).Err(); err != nil {
		return fmt.Errorf("failed to record message id: %w", err)
	}
	return nil
}

// Cleanup implements dedup.Store; Redis expires keys itself
func (s *Store) Cleanup(context.Context) (int, error) {
	return 0, nil
}

// Close implements dedup.Store
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
