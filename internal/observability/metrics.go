// Package observability exposes Prometheus metrics for the workflow engine
// and the audit orchestrator. All recording methods are nil-safe so callers
// can run without a metrics registry in tests.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	auditRunsTotal     *prometheus.CounterVec
	auditVerdicts      *prometheus.CounterVec
	auditRunDuration   *prometheus.HistogramVec
	llmFailuresTotal   *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the standard Go and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_transitions_total",
			Help: "Workflow transitions by action and resulting status.",
		}, []string{"action", "status"}),
		transitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoice_transition_duration_seconds",
			Help:    "Wall time of workflow transitions, including AI calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		auditRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_runs_total",
			Help: "Audit runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		auditVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_scenario_verdicts_total",
			Help: "Recorded scenario verdicts by result.",
		}, []string{"result"}),
		auditRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_run_duration_seconds",
			Help:    "Wall time of audit runs by kind.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		llmFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_call_failures_total",
			Help: "Failed AI provider calls by operation.",
		}, []string{"operation"}),
	}

	registry.MustRegister(
		m.transitionsTotal,
		m.transitionDuration,
		m.auditRunsTotal,
		m.auditVerdicts,
		m.auditRunDuration,
		m.llmFailuresTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts one completed workflow transition.
func (m *Metrics) RecordTransition(action, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(action, status).Inc()
	m.transitionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RecordAuditRun counts one completed audit run.
func (m *Metrics) RecordAuditRun(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.auditRunsTotal.WithLabelValues(kind, outcome).Inc()
	m.auditRunDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordVerdict counts one recorded scenario verdict.
func (m *Metrics) RecordVerdict(result string) {
	if m == nil {
		return
	}
	m.auditVerdicts.WithLabelValues(result).Inc()
}

// RecordLLMFailure counts one failed AI provider call.
func (m *Metrics) RecordLLMFailure(operation string) {
	if m == nil {
		return
	}
	m.llmFailuresTotal.WithLabelValues(operation).Inc()
}
