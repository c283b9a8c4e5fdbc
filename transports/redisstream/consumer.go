package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/serialization"
	"github.com/redis/go-redis/v9"
)

var (
	_ messaging.TransportConsumer = (*Consumer)(nil)
	_ messaging.Binder            = (*Consumer)(nil)
)

// KEYS[1] delayed set, KEYS[2] stream; ARGV: now (ms), batch, maxlen
var moveDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  if tonumber(ARGV[3]) > 0 then
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'envelope', member)
  else
    redis.call('XADD', KEYS[2], '*', 'envelope', member)
  end
  redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// Consumer reads the endpoint stream with one group consumer per worker
type Consumer struct {
	transport *Transport
	queue     string
	logger    *slog.Logger

	mu      sync.Mutex
	fn      messaging.DeliveryFunc
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newConsumer(t *Transport) *Consumer {
	return &Consumer{
		transport: t,
		queue:     t.settings.Queue.Name,
		logger:    t.logger.With("queue", t.settings.Queue.Name),
	}
}

// OnDelivery implements messaging.TransportConsumer
func (c *Consumer) OnDelivery(fn messaging.DeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

// Bind adds the endpoint queue to the subscriber set of messageType
func (c *Consumer) Bind(ctx context.Context, messageType string) error {
	t := c.transport
	if err := t.client.SAdd(ctx, t.subscribersKey(messageType), c.queue).Err(); err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", c.queue, messageType, err)
	}
	return nil
}

// StartConsuming implements messaging.TransportConsumer
func (c *Consumer) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.fn == nil {
		return fmt.Errorf("no delivery callback registered")
	}

	t := c.transport
	err := t.client.XGroupCreateMkStream(ctx, t.StreamKey(c.queue), groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", c.queue, err)
	}

	// fetches stop when fetchCtx ends; handlers run on a context that does not
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handlerCtx := context.WithoutCancel(ctx)
	c.cancel = cancel
	c.running = true

	workers := max(t.settings.Workers, 1)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.work(fetchCtx, handlerCtx, id, c.fn)
		}(i)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.moveLoop(fetchCtx)
	}()

	c.logger.Info("Redis stream consumer started", "workers", workers, "prefetch", t.settings.PrefetchCount)
	return nil
}

// StopConsuming implements messaging.TransportConsumer. Entries fetched but
// not yet handled stay pending for the worker and are read again on restart.
func (c *Consumer) StopConsuming(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Redis stream consumer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain in-flight deliveries: %w", ctx.Err())
	}
}

// Close stops consuming
func (c *Consumer) Close() error {
	return c.StopConsuming(context.Background())
}

func (c *Consumer) consumerName(id int) string {
	return fmt.Sprintf("%s-%d", c.queue, id)
}

func (c *Consumer) work(fetchCtx, handlerCtx context.Context, id int, fn messaging.DeliveryFunc) {
	t := c.transport
	stream := t.StreamKey(c.queue)
	name := c.consumerName(id)

	// entries left pending by a previous run of this worker come first
	start := "0"
	backoff := 100 * time.Millisecond

	for fetchCtx.Err() == nil {
		res, err := t.client.XReadGroup(fetchCtx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: name,
			Streams:  []string{stream, start},
			Count:    int64(max(t.settings.PrefetchCount, 1)),
			Block:    t.block,
		}).Result()
		if err != nil {
			if fetchCtx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Warn("Failed to read stream", "worker", id, "error", err)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, 5*time.Second)
			case <-fetchCtx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		entries := 0
		for _, s := range res {
			for _, entry := range s.Messages {
				if fetchCtx.Err() != nil {
					return
				}
				entries++
				c.dispatch(handlerCtx, id, entry, fn)
			}
		}
		if start == "0" && entries == 0 {
			start = ">"
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, id int, entry redis.XMessage, fn messaging.DeliveryFunc) {
	raw, _ := entry.Values[fieldEnvelope].(string)
	msg, err := serialization.DecodeEnvelope(c.transport.codec, []byte(raw))
	if err != nil {
		c.logger.Error("Failed to decode stream entry, moving to error queue",
			"worker", id,
			"entryId", entry.ID,
			"error", err)
		c.poison(ctx, entry, raw, err)
		return
	}
	fn(ctx, &delivery{consumer: c, entryID: entry.ID, msg: msg, worker: id})
}

func (c *Consumer) poison(ctx context.Context, entry redis.XMessage, raw string, cause error) {
	t := c.transport
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, t.xadd(t.settings.ErrorQueue, map[string]any{
			fieldEnvelope: raw,
			fieldCause:    cause.Error(),
			fieldSource:   c.queue,
		}))
		c.ackCmds(ctx, pipe, entry.ID)
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to move undecodable entry", "entryId", entry.ID, "error", err)
	}
}

func (c *Consumer) ackCmds(ctx context.Context, pipe redis.Pipeliner, entryID string) {
	stream := c.transport.StreamKey(c.queue)
	pipe.XAck(ctx, stream, groupName, entryID)
	pipe.XDel(ctx, stream, entryID)
}

// moveLoop appends due retries back to the stream
func (c *Consumer) moveLoop(ctx context.Context) {
	t := c.transport
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	keys := []string{t.delayedKey(c.queue), t.StreamKey(c.queue)}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := moveDue.Run(ctx, t.client, keys, now, 100, t.maxLen).Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to move delayed retries", "error", err)
		}
	}
}

type delivery struct {
	consumer *Consumer
	entryID  string
	msg      *contracts.Message
	worker   int
}

func (d *delivery) Message() *contracts.Message {
	return d.msg
}

func (d *delivery) WorkerID() int {
	return d.worker
}

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.consumer.transport.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		d.consumer.ackCmds(ctx, pipe, d.entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack entry %s: %w", d.entryID, err)
	}
	return nil
}

// Retry appends msg to the stream immediately, or parks it in the delayed
// set until delay has elapsed; the original entry is acked atomically
func (d *delivery) Retry(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	c := d.consumer
	t := c.transport
	data, err := serialization.EncodeEnvelope(t.codec, msg)
	if err != nil {
		return err
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if delay > 0 {
			pipe.ZAdd(ctx, t.delayedKey(c.queue), redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: string(data),
			})
		} else {
			pipe.XAdd(ctx, t.xadd(c.queue, map[string]any{fieldEnvelope: data}))
		}
		c.ackCmds(ctx, pipe, d.entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry of %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetter appends msg to the error queue stream and acks the original
func (d *delivery) DeadLetter(ctx context.Context, msg *contracts.Message, cause error) error {
	c := d.consumer
	t := c.transport
	data, err := serialization.EncodeEnvelope(t.codec, msg)
	if err != nil {
		return err
	}

	values := map[string]any{fieldEnvelope: data, fieldSource: c.queue}
	if cause != nil {
		values[fieldCause] = cause.Error()
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, t.xadd(t.settings.ErrorQueue, values))
		c.ackCmds(ctx, pipe, d.entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", msg.ID, err)
	}
	return nil
}
