// Package metrics exposes Prometheus counters for the engine and the
// ingest pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the engine's Recorder and the consumer's counters on
// a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	evaluations     *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	signalsIngested prometheus.Counter
	ingestFailures  prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruleengine_evaluations_total",
			Help: "Evaluation records written, by match outcome.",
		}, []string{"matched"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ruleengine_action_dispatches_total",
			Help: "Action dispatch attempts, by outcome.",
		}, []string{"outcome"}),
		signalsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "ruleengine_signals_ingested_total",
			Help: "Signals consumed and stored.",
		}),
		ingestFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ruleengine_ingest_failures_total",
			Help: "Signals that failed to decode, validate, or store.",
		}),
	}
}

func (m *Metrics) EvaluationRecorded(matched bool) {
	label := "false"
	if matched {
		label = "true"
	}
	m.evaluations.WithLabelValues(label).Inc()
}

func (m *Metrics) ActionDispatched(ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SignalIngested() { m.signalsIngested.Inc() }
func (m *Metrics) IngestFailed()   { m.ingestFailures.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
