// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mbus-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

var _ messaging.MetricsCollector = (*Prometheus)(nil)

// Prometheus implements messaging.MetricsCollector with client_golang collectors
type Prometheus struct {
	consumed        *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	produced        *prometheus.CounterVec
	produceDuration *prometheus.HistogramVec
	workerState     *prometheus.GaugeVec

	registerer prometheus.Registerer
	mu         sync.Mutex
	registered bool
}

// PrometheusOption configures the collector
type PrometheusOption func(*promConfig)

type promConfig struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
}

// WithNamespace sets the metric namespace (default "mbus")
func WithNamespace(ns string) PrometheusOption {
	return func(c *promConfig) {
		c.namespace = ns
	}
}

// WithRegisterer sets the registerer (default prometheus.DefaultRegisterer)
func WithRegisterer(r prometheus.Registerer) PrometheusOption {
	return func(c *promConfig) {
		c.registerer = r
	}
}

// WithBuckets sets the duration histogram buckets in seconds
func WithBuckets(buckets []float64) PrometheusOption {
	return func(c *promConfig) {
		c.buckets = buckets
	}
}

// NewPrometheus creates the collectors; Register adds them to the registerer
func NewPrometheus(opts ...PrometheusOption) *Prometheus {
	cfg := &promConfig{
		namespace:  "mbus",
		registerer: prometheus.DefaultRegisterer,
		buckets:    prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Prometheus{
		registerer: cfg.registerer,
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Deliveries processed by the consumer engine by outcome",
		}, []string{"message_type", "outcome"}),
		consumeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "consumer",
			Name:      "processing_seconds",
			Help:      "Time from delivery to acknowledgement, retry or dead-letter",
			Buckets:   cfg.buckets,
		}, []string{"message_type"}),
		produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "producer",
			Name:      "messages_total",
			Help:      "Messages sent or published by destination and result",
		}, []string{"message_type", "destination", "success"}),
		produceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "producer",
			Name:      "send_seconds",
			Help:      "Time spent handing messages to the transport",
			Buckets:   cfg.buckets,
		}, []string{"message_type"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Subsystem: "consumer",
			Name:      "worker_state",
			Help:      "Current state of each consumer worker (0 idle, 1 fetching, 2 processing, 3 acknowledging, 4 retrying, 5 dead)",
		}, []string{"worker"}),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already registered elsewhere are accepted.
func (p *Prometheus) Register() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered {
		return nil
	}
	for _, c := range p.collectors() {
		if err := p.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	p.registered = true
	return nil
}

// Unregister removes the collectors
func (p *Prometheus) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.collectors() {
		p.registerer.Unregister(c)
	}
	p.registered = false
}

func (p *Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{p.consumed, p.consumeDuration, p.produced, p.produceDuration, p.workerState}
}

// RecordConsumed implements messaging.MetricsCollector
func (p *Prometheus) RecordConsumed(messageType string, duration time.Duration, outcome messaging.Outcome) {
	p.consumed.WithLabelValues(messageType, string(outcome)).Inc()
	p.consumeDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// RecordProduced implements messaging.MetricsCollector
func (p *Prometheus) RecordProduced(messageType, destination string, duration time.Duration, success bool) {
	p.produced.WithLabelValues(messageType, destination, strconv.FormatBool(success)).Inc()
	p.produceDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// RecordWorkerState implements messaging.MetricsCollector
func (p *Prometheus) RecordWorkerState(worker int, state messaging.WorkerState) {
	p.workerState.WithLabelValues(strconv.Itoa(worker)).Set(float64(state))
}
