// Package metrics holds the Prometheus collectors for task lifecycle,
// dispatch and planning activity. All recording methods are safe on a nil
// *Metrics so callers can run without instrumentation.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semcontrol"

// Metrics groups the collectors.
type Metrics struct {
	transitions    *prometheus.CounterVec
	forbidden      prometheus.Counter
	agentStatus    *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	planningRounds *prometheus.CounterVec
	replyWait      prometheus.Histogram
	stalePlanning  prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions by source and target status.",
		}, []string{"from", "to"}),
		forbidden: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_forbidden_total",
			Help:      "Review approvals rejected because the requester is not a master agent.",
		}),
		agentStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_status_changes_total",
			Help:      "Agent status label changes by resulting status.",
		}, []string{"status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch notifications by result.",
		}, []string{"result"}),
		planningRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planning_rounds_total",
			Help:      "Planning rounds by outcome.",
		}, []string{"outcome"}),
		replyWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "planning_reply_wait_seconds",
			Help:      "Time spent waiting for the planning agent to reply.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		}),
		stalePlanning: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planning_stale_sessions_total",
			Help:      "Planning sessions detected waiting on the agent past the stale threshold.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.forbidden,
			m.agentStatus,
			m.dispatches,
			m.planningRounds,
			m.replyWait,
			m.stalePlanning,
		)
	}
	return m
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide collectors registered with the
// Prometheus default registerer. Components running in the same process
// share them.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Transition records a task status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Forbidden records a rejected approval.
func (m *Metrics) Forbidden() {
	if m == nil {
		return
	}
	m.forbidden.Inc()
}

// AgentStatus records an agent status change.
func (m *Metrics) AgentStatus(status string) {
	if m == nil {
		return
	}
	m.agentStatus.WithLabelValues(status).Inc()
}

// Dispatch records a dispatch attempt result ("ok" or "failed").
func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

// PlanningRound records the outcome of one planning round.
func (m *Metrics) PlanningRound(outcome string) {
	if m == nil {
		return
	}
	m.planningRounds.WithLabelValues(outcome).Inc()
}

// ReplyWait records how long a reply took.
func (m *Metrics) ReplyWait(d time.Duration) {
	if m == nil {
		return
	}
	m.replyWait.Observe(d.Seconds())
}

// StalePlanning records a stale planning session.
func (m *Metrics) StalePlanning() {
	if m == nil {
		return
	}
	m.stalePlanning.Inc()
}
