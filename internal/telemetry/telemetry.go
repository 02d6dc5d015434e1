// Package telemetry records operational metrics for the simulate tool using
// Prometheus collectors. A nil *Recorder is a valid no-op recorder, which is
// what the tool uses when telemetry is disabled.
package telemetry

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder implements metric recording backed by Prometheus.
type Recorder struct {
	registry         *prom.Registry
	propagations     *prom.CounterVec
	prepareRetries   prom.Counter
	retriesExhausted prom.Counter
	transitions      *prom.CounterVec
	propagationTime  prom.Histogram
	connectedClients prom.Gauge
}

// NewRecorder constructs and registers the simulate metric set. Passing a
// nil registry allocates a fresh one.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{registry: reg}
	r.propagations = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "simulate",
		Name:      "propagations_total",
		Help:      "File-change propagations by strategy and result",
	}, []string{"strategy", "result"})
	r.prepareRetries = prom.NewCounter(prom.CounterOpts{
		Namespace: "simulate",
		Name:      "prepare_retries_total",
		Help:      "Prepare attempts retried after a transient failure",
	})
	r.retriesExhausted = prom.NewCounter(prom.CounterOpts{
		Namespace: "simulate",
		Name:      "prepare_retry_exhausted_total",
		Help:      "Change events whose prepare retries were exhausted",
	})
	r.transitions = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "simulate",
		Name:      "lifecycle_transitions_total",
		Help:      "Lifecycle state transitions by from/to state",
	}, []string{"from", "to"})
	r.propagationTime = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "simulate",
		Name:      "propagation_duration_seconds",
		Help:      "End-to-end duration of a single change propagation",
		Buckets:   prom.DefBuckets,
	})
	r.connectedClients = prom.NewGauge(prom.GaugeOpts{
		Namespace: "simulate",
		Name:      "connected_clients",
		Help:      "Currently connected live-reload clients",
	})
	reg.MustRegister(r.propagations, r.prepareRetries, r.retriesExhausted,
		r.transitions, r.propagationTime, r.connectedClients)
	return r
}

// Registry exposes the backing registry for the /metrics handler.
func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// IncPropagation counts one completed propagation attempt.
func (r *Recorder) IncPropagation(strategy, result string) {
	if r == nil || r.propagations == nil {
		return
	}
	r.propagations.WithLabelValues(strategy, result).Inc()
}

// IncPrepareRetry counts one retried prepare attempt.
func (r *Recorder) IncPrepareRetry() {
	if r == nil || r.prepareRetries == nil {
		return
	}
	r.prepareRetries.Inc()
}

// IncRetryExhausted counts one change event that failed all prepare attempts.
func (r *Recorder) IncRetryExhausted() {
	if r == nil || r.retriesExhausted == nil {
		return
	}
	r.retriesExhausted.Inc()
}

// IncTransition counts one lifecycle state transition.
func (r *Recorder) IncTransition(from, to string) {
	if r == nil || r.transitions == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// ObservePropagation records the duration of one propagation.
func (r *Recorder) ObservePropagation(d time.Duration) {
	if r == nil || r.propagationTime == nil {
		return
	}
	r.propagationTime.Observe(d.Seconds())
}

// SetConnectedClients records the current live-reload client count.
func (r *Recorder) SetConnectedClients(n int) {
	if r == nil || r.connectedClients == nil {
		return
	}
	r.connectedClients.Set(float64(n))
}
