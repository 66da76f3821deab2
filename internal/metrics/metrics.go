// Package metrics counts governance decisions for one run and exports them
// in Prometheus text format.
//
// agos runs are short-lived, so nothing is served over HTTP. A run writes its
// counters once on exit with WriteTextfile, for the node-exporter textfile
// collector to pick up.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/agos/internal/ir"
)

const namespace = "agos"

// Delivery attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeFatal     = "fatal"
)

// Recorder owns a private registry so tests and concurrent runs in one
// process never share counters.
type Recorder struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	lockReclaims  prometheus.Counter
	runDuration   prometheus.Gauge
	lastSuccessTS prometheus.Gauge
}

// New creates a Recorder with every metric registered.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Governance decisions by record kind, decision and reason",
	}, []string{"kind", "decision", "reason"})
	r.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "External send attempts by outcome",
	}, []string{"outcome"})
	r.lockReclaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_reclaims_total",
		Help:      "Stale run locks taken over from a previous holder",
	})
	r.runDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of the last run",
	})
	r.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run that finished without error",
	})

	r.registry.MustRegister(r.decisions, r.deliveries, r.lockReclaims, r.runDuration, r.lastSuccessTS)
	return r
}

// Registry exposes the private registry, e.g. for promhttp or tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Decision counts one audited decision.
func (r *Recorder) Decision(kind ir.Kind, decision ir.Action, reason ir.Reason) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(string(kind), string(decision), string(reason)).Inc()
}

// DeliveryAttempt counts one send attempt with the given outcome.
func (r *Recorder) DeliveryAttempt(outcome string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(outcome).Inc()
}

// LockReclaimed counts one stale lock takeover.
func (r *Recorder) LockReclaimed() {
	if r == nil {
		return
	}
	r.lockReclaims.Inc()
}

// RunFinished records the run's wall time and, when ok, its end time.
func (r *Recorder) RunFinished(start, end time.Time, ok bool) {
	if r == nil {
		return
	}
	r.runDuration.Set(end.Sub(start).Seconds())
	if ok {
		r.lastSuccessTS.Set(float64(end.Unix()))
	}
}

// WriteTextfile writes every metric to path in Prometheus text format.
// The file is written to a temporary name and renamed into place.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
