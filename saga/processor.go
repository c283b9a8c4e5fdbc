package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mbus-go/contracts"
)

// Handler handles a message on behalf of a process manager. It may mutate state.
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message, state *State) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message, state *State) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message, state *State) error {
	return f(ctx, msg, state)
}

// Processor runs a saga handler inside a versioned load, invoke, save cycle
type Processor struct {
	finder           Finder
	maxConflicts     int
	deleteOnComplete bool
	logger           *slog.Logger
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithMaxConflicts sets how many times a conflicting save is re-run
func WithMaxConflicts(n int) ProcessorOption {
	return func(p *Processor) {
		p.maxConflicts = n
	}
}

// WithDeleteOnComplete removes states once a handler completes them
func WithDeleteOnComplete() ProcessorOption {
	return func(p *Processor) {
		p.deleteOnComplete = true
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a Processor over finder
func NewProcessor(finder Finder, opts ...ProcessorOption) *Processor {
	p := &Processor{
		finder:       finder,
		maxConflicts: 10,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Finder returns the underlying finder
func (p *Processor) Finder() Finder {
	return p.finder
}

// Process loads the state for msg.CorrelationID (a new Active state when
// none exists), invokes h and persists the result. When another worker saved
// the same correlation id in between, the cycle is repeated against the fresh
// state up to the configured number of times.
func (p *Processor) Process(ctx context.Context, msg *contracts.Message, h Handler) error {
	if msg.CorrelationID == "" {
		return ErrMissingCorrelationID
	}

	for attempt := 0; ; attempt++ {
		state, err := p.finder.Find(ctx, msg.CorrelationID)
		switch {
		case errors.Is(err, ErrNotFound):
			state = NewState(msg.CorrelationID)
		case err != nil:
			return fmt.Errorf("failed to load saga state: %w", err)
		}

		if err := h.Handle(ctx, msg, state); err != nil {
			return err
		}

		err = p.finder.Save(ctx, state)
		if errors.Is(err, ErrVersionConflict) && attempt < p.maxConflicts {
			p.logger.Debug("Saga state changed concurrently, retrying",
				"correlationId", msg.CorrelationID,
				"messageId", msg.ID,
				"attempt", attempt+1)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save saga state: %w", err)
		}

		if p.deleteOnComplete && state.Status == StatusCompleted {
			if err := p.finder.Delete(ctx, msg.CorrelationID); err != nil {
				return fmt.Errorf("failed to delete completed saga state: %w", err)
			}
		}
		return nil
	}
}
