package messaging

import "time"

// Outcome is how a delivery left the consumer engine
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDropped      Outcome = "dropped"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeFailed       Outcome = "failed"
)

// MetricsCollector receives engine measurements
type MetricsCollector interface {
	// RecordConsumed records one processed delivery
	RecordConsumed(messageType string, duration time.Duration, outcome Outcome)

	// RecordProduced records one send or publish
	RecordProduced(messageType, destination string, duration time.Duration, success bool)

	// RecordWorkerState records a worker state transition
	RecordWorkerState(worker int, state WorkerState)
}

// NoopMetrics discards all measurements
type NoopMetrics struct{}

func (NoopMetrics) RecordConsumed(string, time.Duration, Outcome) {}
func (NoopMetrics) RecordProduced(string, string, time.Duration, bool) {}
func (NoopMetrics) RecordWorkerState(int, WorkerState) {}

var _ MetricsCollector = NoopMetrics{}
