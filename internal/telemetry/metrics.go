// Package telemetry wires tracing and Prometheus metrics for the trainer.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "npc_trainer"

// Metrics holds every collector the trainer exports. Build it once with
// NewMetrics and inject it; a nil *Metrics is valid and records nothing.
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: status (committed, failed), reason (ok, blocked, degraded, persistence)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures a turn from acceptance to result.
	TurnDuration prometheus.Histogram

	// ActiveSessions tracks sessions resident in memory.
	ActiveSessions prometheus.Gauge

	// SpendTotal accumulates recorded provider cost.
	// Labels: provider
	SpendTotal *prometheus.CounterVec

	// ReservationDenials counts budget reservations that were refused.
	// Labels: provider
	ReservationDenials *prometheus.CounterVec

	// ProviderCalls counts provider calls by result.
	// Labels: provider, agent_type, outcome (success, error)
	ProviderCalls *prometheus.CounterVec

	// RouteFallbacks counts selections that fell back to the default provider.
	RouteFallbacks prometheus.Counter

	// GateDecisions counts security gate verdicts.
	// Labels: stage (pattern, semantic), action (pass, block)
	GateDecisions *prometheus.CounterVec

	// GateFailOpen counts semantic checks that errored and passed input through.
	GateFailOpen prometheus.Counter

	// SnapshotWrites counts snapshot writes.
	// Labels: outcome (success, error)
	SnapshotWrites *prometheus.CounterVec

	// SnapshotsReaped counts expired snapshots removed by the reaper.
	SnapshotsReaped prometheus.Counter

	// Connections tracks open WebSocket connections.
	Connections prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by status and reason",
		}, []string{"status", "reason"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn processing time from acceptance to result",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions resident in memory",
		}),
		SpendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "spend_total",
			Help:      "Recorded provider spend",
		}, []string{"provider"}),
		ReservationDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "reservation_denials_total",
			Help:      "Budget reservations refused",
		}, []string{"provider"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "provider_calls_total",
			Help:      "Provider calls by outcome",
		}, []string{"provider", "agent_type", "outcome"}),
		RouteFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Selections that fell back to the default provider",
		}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Security gate verdicts by stage",
		}, []string{"stage", "action"}),
		GateFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "fail_open_total",
			Help:      "Semantic checks that errored and passed input through",
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Snapshot writes by outcome",
		}, []string{"outcome"}),
		SnapshotsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "reaped_total",
			Help:      "Expired snapshots removed by the reaper",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open WebSocket connections",
		}),
	}

	reg.MustRegister(
		m.TurnsTotal, m.TurnDuration, m.ActiveSessions,
		m.SpendTotal, m.ReservationDenials,
		m.ProviderCalls, m.RouteFallbacks,
		m.GateDecisions, m.GateFailOpen,
		m.SnapshotWrites, m.SnapshotsReaped,
		m.Connections,
	)
	return m
}

func (m *Metrics) TurnFinished(status, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status, reason).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Spend(provider string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.SpendTotal.WithLabelValues(provider).Add(cost)
}

func (m *Metrics) ReservationDenied(provider string) {
	if m == nil {
		return
	}
	m.ReservationDenials.WithLabelValues(provider).Inc()
}

func (m *Metrics) ProviderCall(provider, agentType string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(provider, agentType, outcome).Inc()
}

func (m *Metrics) RouteFallback() {
	if m == nil {
		return
	}
	m.RouteFallbacks.Inc()
}

func (m *Metrics) GateDecision(stage, action string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(stage, action).Inc()
}

func (m *Metrics) GateFailedOpen() {
	if m == nil {
		return
	}
	m.GateFailOpen.Inc()
}

func (m *Metrics) SnapshotWritten(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.SnapshotWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SnapshotsReaped.Add(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}
