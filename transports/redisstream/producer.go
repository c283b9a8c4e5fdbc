package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/serialization"
	"github.com/redis/go-redis/v9"
)

var _ messaging.TransportProducer = (*Producer)(nil)

// Producer appends envelopes to queue streams
type Producer struct {
	transport *Transport
}

// Send implements messaging.TransportProducer
func (p *Producer) Send(ctx context.Context, endpoint string, msg *contracts.Message) error {
	data, err := serialization.EncodeEnvelope(p.transport.codec, msg)
	if err != nil {
		return err
	}
	if err := p.transport.client.XAdd(ctx, p.transport.xadd(endpoint, map[string]any{fieldEnvelope: data})).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", endpoint, err)
	}
	return nil
}

// Publish appends msg to every queue subscribed to its type in one pipeline;
// each failing queue contributes its own error
func (p *Producer) Publish(ctx context.Context, msg *contracts.Message) error {
	t := p.transport
	queues, err := t.client.SMembers(ctx, t.subscribersKey(msg.Type)).Result()
	if err != nil {
		return fmt.Errorf("failed to load subscribers of %s: %w", msg.Type, err)
	}
	if len(queues) == 0 {
		return nil
	}
	sort.Strings(queues)

	data, err := serialization.EncodeEnvelope(t.codec, msg)
	if err != nil {
		return err
	}

	cmds := make([]*redis.StringCmd, len(queues))
	pipe := t.client.Pipeline()
	for i, q := range queues {
		cmds[i] = pipe.XAdd(ctx, t.xadd(q, map[string]any{fieldEnvelope: data}))
	}
	_, _ = pipe.Exec(ctx)

	var errs []error
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish to %s: %w", queues[i], err))
		}
	}
	return errors.Join(errs...)
}

// Close implements messaging.TransportProducer; the Transport owns the client
func (p *Producer) Close() error {
	return nil
}
