// Package memory is an in-process transport for tests and single-process buses.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/glimte/mbus-go/contracts"
)

// TransportName is the registry tag of this transport
const TransportName = "memory"

// DefaultQueueCapacity bounds each queue
const DefaultQueueCapacity = 1024

var (
	// ErrQueueFull is returned when a queue is at capacity
	ErrQueueFull = errors.New("memory: queue full")
	// ErrClosed is returned after the broker is closed
	ErrClosed = errors.New("memory: broker closed")
)

// DeadLetter is a message moved to an error queue
type DeadLetter struct {
	Message *contracts.Message
	Source  string
	Cause   error
}

// Stats are broker counters
type Stats struct {
	Sent         uint64
	Published    uint64
	Delivered    uint64
	Acked        uint64
	Retried      uint64
	DeadLettered uint64
}

type brokerMetrics struct {
	sent         atomic.Uint64
	published    atomic.Uint64
	delivered    atomic.Uint64
	acked        atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// Broker holds named queues, type subscriptions and dead letters
type Broker struct {
	capacity int

	mu            sync.RWMutex
	queues        map[string]*queue
	subscriptions map[string]map[string]struct{}
	deadLetters   map[string][]DeadLetter

	closed  atomic.Bool
	metrics brokerMetrics
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithQueueCapacity bounds every queue
func WithQueueCapacity(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		capacity:      DefaultQueueCapacity,
		queues:        make(map[string]*queue),
		subscriptions: make(map[string]map[string]struct{}),
		deadLetters:   make(map[string][]DeadLetter),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send enqueues a copy of msg on the named queue
func (b *Broker) Send(ctx context.Context, endpoint string, msg *contracts.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.enqueue(endpoint, msg.Clone()); err != nil {
		return err
	}
	b.metrics.sent.Add(1)
	return nil
}

// Publish enqueues a copy of msg on every queue subscribed to msg.Type
func (b *Broker) Publish(ctx context.Context, msg *contracts.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for _, name := range b.Subscribers(msg.Type) {
		if err := b.enqueue(name, msg.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish to %s: %w", name, err))
		}
	}
	b.metrics.published.Add(1)
	return errors.Join(errs...)
}

// Subscribe binds a queue to a message type
func (b *Broker) Subscribe(queueName, messageType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscriptions[messageType]
	if !ok {
		subs = make(map[string]struct{})
		b.subscriptions[messageType] = subs
	}
	subs[queueName] = struct{}{}
}

// Subscribers returns the queues bound to a message type
func (b *Broker) Subscribers(messageType string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subscriptions[messageType]))
	for name := range b.subscriptions[messageType] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Depth returns the number of messages waiting on a queue
func (b *Broker) Depth(queueName string) int {
	b.mu.RLock()
	q, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.len()
}

// DeadLetters returns the messages moved to an error queue
func (b *Broker) DeadLetters(errorQueue string) []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeadLetter, len(b.deadLetters[errorQueue]))
	copy(out, b.deadLetters[errorQueue])
	return out
}

// Stats returns the broker counters
func (b *Broker) Stats() Stats {
	return Stats{
		Sent:         b.metrics.sent.Load(),
		Published:    b.metrics.published.Load(),
		Delivered:    b.metrics.delivered.Load(),
		Acked:        b.metrics.acked.Load(),
		Retried:      b.metrics.retried.Load(),
		DeadLettered: b.metrics.deadLettered.Load(),
	}
}

// Close rejects further sends
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Broker) queue(name string) *queue {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok = b.queues[name]; !ok {
		q = newQueue(b.capacity)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) enqueue(name string, msg *contracts.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	return b.queue(name).push(msg)
}

func (b *Broker) deadLetter(errorQueue, source string, msg *contracts.Message, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters[errorQueue] = append(b.deadLetters[errorQueue], DeadLetter{
		Message: msg.Clone(),
		Source:  source,
		Cause:   cause,
	})
	b.metrics.deadLettered.Add(1)
}

// queue is a bounded FIFO with a wake-up signal for idle workers
type queue struct {
	mu       sync.Mutex
	items    []*contracts.Message
	capacity int
	ready    chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{capacity: capacity, ready: make(chan struct{}, 1)}
}

func (q *queue) push(msg *contracts.Message) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
	return nil
}

// pushFront returns unprocessed messages to the head of the queue
func (q *queue) pushFront(msgs ...*contracts.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append(make([]*contracts.Message, 0, len(msgs)+len(q.items)), msgs...), q.items...)
	q.mu.Unlock()
	q.signal()
}

// take removes up to max messages
func (q *queue) take(max int) []*contracts.Message {
	q.mu.Lock()
	n := min(max, len(q.items))
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := make([]*contracts.Message, n)
	copy(batch, q.items)
	q.items = q.items[n:]
	remaining := len(q.items)
	q.mu.Unlock()

	if remaining > 0 {
		q.signal()
	}
	return batch
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
