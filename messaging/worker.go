package messaging

import "sync/atomic"

// WorkerState is the phase a consumer worker is in
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerFetching
	WorkerProcessing
	WorkerAcknowledging
	WorkerRetrying
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerFetching:
		return "fetching"
	case WorkerProcessing:
		return "processing"
	case WorkerAcknowledging:
		return "acknowledging"
	case WorkerRetrying:
		return "retrying"
	case WorkerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// workerStates tracks one state per worker loop
type workerStates struct {
	states  []atomic.Int32
	metrics MetricsCollector
}

func newWorkerStates(n int, metrics MetricsCollector) *workerStates {
	if n < 1 {
		n = 1
	}
	return &workerStates{states: make([]atomic.Int32, n), metrics: metrics}
}

func (w *workerStates) set(worker int, state WorkerState) {
	if worker < 0 || worker >= len(w.states) {
		return
	}
	w.states[worker].Store(int32(state))
	w.metrics.RecordWorkerState(worker, state)
}

func (w *workerStates) setAll(state WorkerState) {
	for i := range w.states {
		w.set(i, state)
	}
}

func (w *workerStates) snapshot() []WorkerState {
	out := make([]WorkerState, len(w.states))
	for i := range w.states {
		out[i] = WorkerState(w.states[i].Load())
	}
	return out
}
