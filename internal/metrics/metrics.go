// Package metrics holds the Prometheus collectors of the workflow service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workflows"

// Metrics groups the service collectors around one registry.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	StepsExecuted      *prometheus.CounterVec

	ApprovalDecisions *prometheus.CounterVec
	BatchesResolved   *prometheus.CounterVec
	Escalations       prometheus.Counter
	Reminders         prometheus.Counter

	TriggerDispatches *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec

	AuditFailures        prometheus.Counter
	NotificationFailures prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExecutionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Workflow executions started, by definition.",
		}, []string{"definition"}),
		ExecutionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Workflow executions reaching a terminal status.",
		}, []string{"status"}),
		StepsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Step executions finished, by step type and outcome.",
		}, []string{"type", "outcome"}),

		ApprovalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "decisions_total",
			Help:      "Approval responses recorded, by decision.",
		}, []string{"decision"}),
		BatchesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "batches_resolved_total",
			Help:      "Approval batches resolved, by policy and outcome.",
		}, []string{"policy", "outcome"}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "escalations_total",
			Help:      "Overdue approval requests escalated.",
		}),
		Reminders: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approvals",
			Name:      "reminders_total",
			Help:      "Approval reminders sent.",
		}),

		TriggerDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "dispatches_total",
			Help:      "Trigger matches, by event kind and result.",
		}, []string{"kind", "result"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),

		AuditFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_append_failures_total",
			Help:      "Audit entries that could not be persisted.",
		}),
		NotificationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications the sender failed to deliver.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
