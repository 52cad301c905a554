// ABOUTME: Prometheus collectors for transition, guard, hook, and completion activity.
// ABOUTME: All recording methods are nil-safe so an engine without metrics behaves identically.
package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report engine activity.
type Metrics struct {
	transitions      *prometheus.CounterVec
	guardDenials     *prometheus.CounterVec
	hookRuns         *prometheus.CounterVec
	hookDuration     *prometheus.HistogramVec
	completions      *prometheus.CounterVec
	unmatchedOutcome prometheus.Counter
}

// MustNewMetrics registers the engine collectors with reg, reusing collectors
// that are already registered. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Transition attempts by pipeline and result.",
		}, []string{"pipeline", "result"}),
		guardDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "guard_denials_total",
			Help:      "Guard evaluations that denied a transition.",
		}, []string{"guard"}),
		hookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "hook_executions_total",
			Help:      "Hook executions by hook, policy and status.",
		}, []string{"hook", "policy", "status"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "hook_duration_seconds",
			Help:      "Time spent executing hooks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hook"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "agent_completions_total",
			Help:      "Agent completions received by run status.",
		}, []string{"status"}),
		unmatchedOutcome: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "engine",
			Name:      "unmatched_outcomes_total",
			Help:      "Agent outcomes that matched no transition.",
		}),
	}
	m.transitions = mustRegister(reg, m.transitions)
	m.guardDenials = mustRegister(reg, m.guardDenials)
	m.hookRuns = mustRegister(reg, m.hookRuns)
	m.hookDuration = mustRegister(reg, m.hookDuration)
	m.completions = mustRegister(reg, m.completions)
	m.unmatchedOutcome = mustRegister(reg, m.unmatchedOutcome)
	return m
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) transition(pipelineID, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(pipelineID, result).Inc()
}

func (m *Metrics) guardDenied(guard string) {
	if m == nil {
		return
	}
	m.guardDenials.WithLabelValues(guard).Inc()
}

func (m *Metrics) hookExecuted(hook string, policy HookPolicy, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.hookRuns.WithLabelValues(hook, string(policy), status).Inc()
	m.hookDuration.WithLabelValues(hook).Observe(d.Seconds())
}

func (m *Metrics) completion(status string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}

func (m *Metrics) unmatched() {
	if m == nil {
		return
	}
	m.unmatchedOutcome.Inc()
}
