// Package metrics holds the Prometheus collectors for the orchestration
// core. A nil *Metrics records nothing, so callers never need to check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the core reports.
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: outcome (answered|failed|cancelled|error)
	TurnsTotal *prometheus.CounterVec

	// StepsTotal counts steps appended to session history.
	// Labels: kind
	StepsTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts dispatches.
	// Labels: tool, outcome (success|error kind)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolDuration measures dispatch latency including approval waits.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ApprovalsTotal counts settled approval requests.
	// Labels: tier, resolution
	ApprovalsTotal *prometheus.CounterVec

	// ProviderAttemptsTotal counts model provider attempts.
	// Labels: provider, outcome (success|error|timeout)
	ProviderAttemptsTotal *prometheus.CounterVec

	// ProviderAttemptDuration measures attempt latency.
	// Labels: provider
	ProviderAttemptDuration *prometheus.HistogramVec

	// EventsDroppedTotal counts events evicted from slow subscribers.
	EventsDroppedTotal prometheus.Counter

	// ActiveSessions tracks sessions held by the registry.
	ActiveSessions prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theseus_turns_total",
			Help: "Turns finished, by outcome",
		}, []string{"outcome"}),
		StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theseus_steps_total",
			Help: "Steps appended to session history, by kind",
		}, []string{"kind"}),
		ToolExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theseus_tool_executions_total",
			Help: "Tool dispatches, by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "theseus_tool_duration_seconds",
			Help:    "Tool dispatch latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),
		ApprovalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theseus_approvals_total",
			Help: "Approval requests settled, by tier and resolution",
		}, []string{"tier", "resolution"}),
		ProviderAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theseus_provider_attempts_total",
			Help: "Model provider attempts, by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderAttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "theseus_provider_attempt_duration_seconds",
			Help:    "Model provider attempt latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		EventsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "theseus_events_dropped_total",
			Help: "Events evicted from full subscriber buffers",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "theseus_active_sessions",
			Help: "Sessions currently held in the registry",
		}),
	}
}

// TurnFinished records the outcome of a turn.
func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// StepAppended records a history step.
func (m *Metrics) StepAppended(kind string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(kind).Inc()
}

// ToolExecuted records a dispatch.
func (m *Metrics) ToolExecuted(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ApprovalResolved records a settled approval request.
func (m *Metrics) ApprovalResolved(tier, resolution string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(tier, resolution).Inc()
}

// ProviderAttempt records one model attempt. Its signature matches
// llm.AttemptObserver.
func (m *Metrics) ProviderAttempt(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderAttemptDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// EventDropped records an evicted event. Its signature matches the
// broadcaster drop hook.
func (m *Metrics) EventDropped(string) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
