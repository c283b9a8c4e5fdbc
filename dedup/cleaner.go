package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner periodically removes expired records from a Store
type Cleaner struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleaner creates a cleaner; it does nothing until Start
func NewCleaner(store Store, interval time.Duration, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: store, interval: interval, logger: logger}
}

// Start launches the cleanup loop. Calling Start twice has no effect.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil || c.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)
}

// Stop ends the cleanup loop and waits for it to exit
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cleaner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.store.Cleanup(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Deduplication cleanup failed", "error", err)
				}
				continue
			}
			if removed > 0 {
				c.logger.Debug("Deduplication records removed", "count", removed)
			}
		}
	}
}
