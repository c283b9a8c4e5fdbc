package filters

import (
	"context"

	"github.com/glimte/mbus-go/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext injects the caller's trace context into outgoing message headers
type TraceContext struct {
	propagator propagation.TextMapPropagator
}

// NewTraceContext creates the stage; a nil propagator uses the global one
func NewTraceContext(propagator propagation.TextMapPropagator) *TraceContext {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return &TraceContext{propagator: propagator}
}

// Name implements Stage
func (t *TraceContext) Name() string {
	return "TraceContext"
}

// Process implements Stage
func (t *TraceContext) Process(ctx context.Context, msg *contracts.Message) (Verdict, error) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	t.propagator.Inject(ctx, propagation.MapCarrier(msg.Headers))
	return Pass, nil
}

// ExtractTraceContext returns ctx carrying the remote span context found in msg headers
func ExtractTraceContext(ctx context.Context, propagator propagation.TextMapPropagator, msg *contracts.Message) context.Context {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	if len(msg.Headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(msg.Headers))
}
