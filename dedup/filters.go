package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/filters"
)

// Check drops deliveries whose message id has already been recorded
type Check struct {
	store Store
}

// NewCheck creates the before-consuming stage
func NewCheck(store Store) *Check {
	return &Check{store: store}
}

// Name implements filters.Stage
func (c *Check) Name() string {
	return "DeduplicationCheck"
}

// Process implements filters.Stage
func (c *Check) Process(ctx context.Context, msg *contracts.Message) (filters.Verdict, error) {
	seen, err := c.store.HasSeen(ctx, msg.ID)
	if err != nil {
		return filters.Reject, fmt.Errorf("failed to check message %s: %w", msg.ID, err)
	}
	if seen {
		return filters.Drop, nil
	}
	return filters.Pass, nil
}

// Recorder records handled message ids for the configured expiry
type Recorder struct {
	store  Store
	expiry time.Duration
	now    func() time.Time
}

// NewRecorder creates the after-consuming stage
func NewRecorder(store Store, expiry time.Duration) *Recorder {
	return &Recorder{store: store, expiry: expiry, now: time.Now}
}

// Name implements filters.Stage
func (r *Recorder) Name() string {
	return "DeduplicationRecord"
}

// Process implements filters.Stage
func (r *Recorder) Process(ctx context.Context, msg *contracts.Message) (filters.Verdict, error) {
	if err := r.store.Record(ctx, msg.ID, r.now().Add(r.expiry)); err != nil {
		return filters.Reject, fmt.Errorf("failed to record message %s: %w", msg.ID, err)
	}
	return filters.Pass, nil
}
