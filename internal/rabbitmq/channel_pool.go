package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels for publishing. Channels are not safe
// for concurrent use, so each caller holds one exclusively until Put.
type ChannelPool struct {
	manager *ConnectionManager
	idle    chan *amqp.Channel
	maxSize int
	wait    time.Duration

	mu     sync.Mutex
	active int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithAcquireTimeout bounds how long Get waits for a free channel
func WithAcquireTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.wait = d
	}
}

// NewChannelPool creates an empty pool; channels are opened on demand
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}
	cp := &ChannelPool{manager: manager, maxSize: 10, wait: 5 * time.Second}
	for _, opt := range options {
		opt(cp)
	}
	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	cp.idle = make(chan *amqp.Channel, cp.maxSize)
	return cp, nil
}

// Get takes an idle channel or opens a new one
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.active < cp.maxSize {
			cp.active++
			cp.mu.Unlock()
			ch, err := cp.manager.Channel()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get", ChannelID: "pool", Err: ctx.Err()}
		case <-time.After(cp.wait):
			return nil, &ChannelError{Op: "get", ChannelID: "pool", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		_ = ch.Close()
		cp.release()
		return
	}

	select {
	case cp.idle <- ch:
	default:
		_ = ch.Close()
		cp.release()
	}
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch)
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close closes idle channels and rejects further use
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			_ = ch.Close()
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.active--
	cp.mu.Unlock()
}
