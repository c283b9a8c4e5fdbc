package filters

import (
	"context"
	"log/slog"

	"github.com/glimte/mbus-go/contracts"
)

// Verdict is the outcome of a stage
type Verdict int

const (
	// Pass hands the message to the next stage
	Pass Verdict = iota
	// Drop acknowledges and discards the message
	Drop
	// Reject fails the message so the retry policy applies
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Chain identifies one of the three pipelines
type Chain string

const (
	BeforeConsuming Chain = "before-consuming"
	AfterConsuming  Chain = "after-consuming"
	Outgoing        Chain = "outgoing"
)

// Stage is a single named pipeline step. Process may mutate msg in place.
type Stage interface {
	Name() string
	Process(ctx context.Context, msg *contracts.Message) (Verdict, error)
}

// StageFunc adapts a function to Stage
type StageFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.Message) (Verdict, error)
}

// NewStageFunc creates a function-based stage
func NewStageFunc(name string, fn func(ctx context.Context, msg *contracts.Message) (Verdict, error)) *StageFunc {
	return &StageFunc{name: name, fn: fn}
}

// Name implements Stage
func (s *StageFunc) Name() string {
	return s.name
}

// Process implements Stage
func (s *StageFunc) Process(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	return s.fn(ctx, msg)
}

// Pipeline holds the three ordered chains. It is not modified after construction.
type Pipeline struct {
	before   []Stage
	after    []Stage
	outgoing []Stage
	logger   *slog.Logger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithBeforeConsuming appends before-consuming stages
func WithBeforeConsuming(stages ...Stage) PipelineOption {
	return func(p *Pipeline) {
		p.before = append(p.before, stages...)
	}
}

// WithAfterConsuming appends after-consuming stages
func WithAfterConsuming(stages ...Stage) PipelineOption {
	return func(p *Pipeline) {
		p.after = append(p.after, stages...)
	}
}

// WithOutgoing appends outgoing stages
func WithOutgoing(stages ...Stage) PipelineOption {
	return func(p *Pipeline) {
		p.outgoing = append(p.outgoing, stages...)
	}
}

// WithPipelineLogger sets the logger
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a pipeline; stages keep the order in which options add them
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns a copy of the stages of a chain
func (p *Pipeline) Stages(chain Chain) []Stage {
	src := p.chain(chain)
	out := make([]Stage, len(src))
	copy(out, src)
	return out
}

// RunBeforeConsuming runs the before-consuming chain
func (p *Pipeline) RunBeforeConsuming(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	return p.run(ctx, BeforeConsuming, msg)
}

// RunAfterConsuming runs the after-consuming chain
func (p *Pipeline) RunAfterConsuming(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	return p.run(ctx, AfterConsuming, msg)
}

// RunOutgoing runs the outgoing chain
func (p *Pipeline) RunOutgoing(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	return p.run(ctx, Outgoing, msg)
}

func (p *Pipeline) chain(chain Chain) []Stage {
	if p == nil {
		return nil
	}
	switch chain {
	case BeforeConsuming:
		return p.before
	case AfterConsuming:
		return p.after
	case Outgoing:
		return p.outgoing
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, chain Chain, msg *contracts.Message) (Verdict, error) {
	for i, stage := range p.chain(chain) {
		verdict, err := stage.Process(ctx, msg)
		if err != nil {
			return Reject, &FilterFailure{Chain: chain, Stage: stage.Name(), Index: i, Err: err}
		}

		switch verdict {
		case Pass:
			continue
		case Drop:
			p.logger.Debug("message dropped by filter",
				"chain", chain,
				"stage", stage.Name(),
				"messageId", msg.ID,
				"messageType", msg.Type)
			return Drop, nil
		default:
			return Reject, &FilterFailure{Chain: chain, Stage: stage.Name(), Index: i, Err: ErrRejected}
		}
	}
	return Pass, nil
}
