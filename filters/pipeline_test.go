package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func recordingStage(name string, calls *[]string, verdict Verdict, err error) Stage {
	return NewStageFunc(name, func(ctx context.Context, msg *contracts.Message) (Verdict, error) {
		*calls = append(*calls, name)
		return verdict, err
	})
}

func TestPipelineOrdering(t *testing.T) {
	t.Run("stages run in registration order", func(t *testing.T) {
		var calls []string
		p := NewPipeline(
			WithBeforeConsuming(recordingStage("a", &calls, Pass, nil)),
			WithBeforeConsuming(recordingStage("b", &calls, Pass, nil), recordingStage("c", &calls, Pass, nil)),
		)

		verdict, err := p.RunBeforeConsuming(context.Background(), contracts.NewMessage("Order", nil))

		require.NoError(t, err)
		assert.Equal(t, Pass, verdict)
		assert.Equal(t, []string{"a", "b", "c"}, calls)
	})

	t.Run("drop short-circuits later stages", func(t *testing.T) {
		var calls []string
		p := NewPipeline(WithBeforeConsuming(
			recordingStage("first", &calls, Pass, nil),
			recordingStage("dedup", &calls, Drop, nil),
			recordingStage("never", &calls, Pass, nil),
		))

		verdict, err := p.RunBeforeConsuming(context.Background(), contracts.NewMessage("Order", nil))

		require.NoError(t, err)
		assert.Equal(t, Drop, verdict)
		assert.Equal(t, []string{"first", "dedup"}, calls)
	})

	t.Run("reject becomes a FilterFailure", func(t *testing.T) {
		var calls []string
		p := NewPipeline(WithAfterConsuming(
			recordingStage("ok", &calls, Pass, nil),
			recordingStage("guard", &calls, Reject, nil),
		))

		verdict, err := p.RunAfterConsuming(context.Background(), contracts.NewMessage("Order", nil))

		assert.Equal(t, Reject, verdict)
		var failure *FilterFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, AfterConsuming, failure.Chain)
		assert.Equal(t, "guard", failure.Stage)
		assert.Equal(t, 1, failure.Index)
		assert.True(t, IsRejection(err))
	})

	t.Run("stage error carries the stage identity", func(t *testing.T) {
		boom := errors.New("store unavailable")
		var calls []string
		p := NewPipeline(WithOutgoing(
			recordingStage("encrypt", &calls, Pass, boom),
			recordingStage("never", &calls, Pass, nil),
		))

		_, err := p.RunOutgoing(context.Background(), contracts.NewMessage("Order", nil))

		var failure *FilterFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, Outgoing, failure.Chain)
		assert.Equal(t, "encrypt", failure.Stage)
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsRejection(err))
		assert.Equal(t, []string{"encrypt"}, calls)
	})

	t.Run("chains are independent", func(t *testing.T) {
		var calls []string
		p := NewPipeline(
			WithBeforeConsuming(recordingStage("before", &calls, Pass, nil)),
			WithOutgoing(recordingStage("out", &calls, Pass, nil)),
		)

		_, err := p.RunAfterConsuming(context.Background(), contracts.NewMessage("Order", nil))

		require.NoError(t, err)
		assert.Empty(t, calls)
		assert.Len(t, p.Stages(BeforeConsuming), 1)
		assert.Len(t, p.Stages(Outgoing), 1)
	})

	t.Run("stages may mutate the message", func(t *testing.T) {
		p := NewPipeline(WithOutgoing(NewSetHeaders(map[string]string{"tenant": "acme"})))
		msg := contracts.NewMessage("Order", nil)

		_, err := p.RunOutgoing(context.Background(), msg)

		require.NoError(t, err)
		assert.Equal(t, "acme", msg.Header("tenant"))
	})

	t.Run("nil pipeline passes", func(t *testing.T) {
		var p *Pipeline
		verdict, err := p.RunBeforeConsuming(context.Background(), contracts.NewMessage("Order", nil))
		require.NoError(t, err)
		assert.Equal(t, Pass, verdict)
	})
}

func TestRequiredHeaders(t *testing.T) {
	stage := NewRequiredHeaders("tenant")
	msg := contracts.NewMessage("Order", nil)

	verdict, err := stage.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Reject, verdict)

	msg.SetHeader("tenant", "acme")
	verdict, err = stage.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Pass, verdict)
}

func TestRateLimit(t *testing.T) {
	stage := NewRateLimit(1, 1)

	verdict, err := stage.Process(context.Background(), contracts.NewMessage("Order", nil))
	require.NoError(t, err)
	assert.Equal(t, Pass, verdict)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stage.Process(ctx, contracts.NewMessage("Order", nil))
	assert.Error(t, err)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, endpoint string, msg *contracts.Message) error {
	args := m.Called(ctx, endpoint, msg)
	return args.Error(0)
}

func TestAudit(t *testing.T) {
	t.Run("forwards a copy", func(t *testing.T) {
		sender := &mockSender{}
		msg := contracts.NewMessage("Order", []byte("x"))
		sender.On("Send", mock.Anything, "audit", mock.MatchedBy(func(m *contracts.Message) bool {
			return m.ID == msg.ID && m.Header(HeaderAuditSource) == "orders"
		})).Return(nil)

		verdict, err := NewAudit(sender, "audit", "orders").Process(context.Background(), msg)

		require.NoError(t, err)
		assert.Equal(t, Pass, verdict)
		assert.Empty(t, msg.Header(HeaderAuditSource))
		sender.AssertExpectations(t)
	})

	t.Run("send failure is an error", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

		_, err := NewAudit(sender, "audit", "orders").Process(context.Background(), contracts.NewMessage("Order", nil))

		assert.Error(t, err)
	})
}

func TestTraceContext(t *testing.T) {
	propagator := propagation.TraceContext{}
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := contracts.NewMessage("Order", nil)
	msg.Headers = nil
	_, err := NewTraceContext(propagator).Process(ctx, msg)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Header("traceparent"))

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), propagator, msg))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.True(t, extracted.IsRemote())
}
