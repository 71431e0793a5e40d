// Package metrics holds the Prometheus collectors for the support engine.
// A nil *Metrics is valid and records nothing, so engines built in tests
// do not need a registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	QueueDepth        prometheus.Gauge
	Assignments       prometheus.Counter
	Abandoned         *prometheus.CounterVec
	Escalations       prometheus.Counter
	Recoveries        *prometheus.CounterVec
	SweepDemotions    prometheus.Counter
	SweepFailures     prometheus.Counter
	WorkModeChanges   *prometheus.CounterVec
	CallTransitions   *prometheus.CounterVec
	CallDurationHours prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livedesk", Name: "queue_waiting_sessions",
			Help: "Chat sessions currently waiting for a staff member.",
		}),
		Assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "queue_assignments_total",
			Help: "Sessions assigned to a staff member.",
		}),
		Abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "sessions_abandoned_total",
			Help: "Sessions abandoned, by reason.",
		}, []string{"reason"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "queue_escalations_total",
			Help: "Waiting sessions escalated after the max queue time.",
		}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "session_recoveries_total",
			Help: "Recovery attempts, by outcome.",
		}, []string{"outcome"}),
		SweepDemotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "presence_sweep_demotions_total",
			Help: "Presence records demoted to offline by the sweeper.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "presence_sweep_failures_total",
			Help: "Presence records the sweeper failed to update.",
		}),
		WorkModeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "work_mode_changes_total",
			Help: "Work mode changes, by new mode.",
		}, []string{"mode"}),
		CallTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk", Name: "call_transitions_total",
			Help: "Call state transitions, by resulting status.",
		}, []string{"status"}),
		CallDurationHours: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "livedesk", Name: "call_duration_hours",
			Help:    "Answered call duration.",
			Buckets: []float64{1.0 / 60, 5.0 / 60, 15.0 / 60, 0.5, 1, 2},
		}),
	}
	reg.MustRegister(
		m.QueueDepth, m.Assignments, m.Abandoned, m.Escalations, m.Recoveries,
		m.SweepDemotions, m.SweepFailures, m.WorkModeChanges,
		m.CallTransitions, m.CallDurationHours,
	)
	return m
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) Assigned() {
	if m != nil {
		m.Assignments.Inc()
	}
}

func (m *Metrics) SessionAbandoned(reason string) {
	if m != nil {
		m.Abandoned.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Escalated() {
	if m != nil {
		m.Escalations.Inc()
	}
}

func (m *Metrics) Recovery(outcome string) {
	if m != nil {
		m.Recoveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Demoted() {
	if m != nil {
		m.SweepDemotions.Inc()
	}
}

func (m *Metrics) SweepFailed() {
	if m != nil {
		m.SweepFailures.Inc()
	}
}

func (m *Metrics) ModeChanged(mode string) {
	if m != nil {
		m.WorkModeChanges.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) CallTransition(status string) {
	if m != nil {
		m.CallTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) CallEnded(hours float64) {
	if m != nil {
		m.CallDurationHours.Observe(hours)
	}
}
