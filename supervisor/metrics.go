// ABOUTME: Prometheus collectors for supervisor scans and the retry loop.
// ABOUTME: Recording methods are nil-safe so tests can run without a registry.
package supervisor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the supervisor's collectors.
type Metrics struct {
	runningRuns prometheus.Gauge
	ghosts      prometheus.Counter
	timeouts    prometheus.Counter
	retries     *prometheus.CounterVec
}

// MustNewMetrics registers the supervisor collectors with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runningRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Subsystem: "supervisor",
			Name:      "running_runs",
			Help:      "Agent runs in the running state at the last scan.",
		}),
		ghosts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "supervisor",
			Name:      "ghost_runs_total",
			Help:      "Running runs with no live process that were marked failed.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "supervisor",
			Name:      "timed_out_runs_total",
			Help:      "Runs stopped for exceeding their timeout.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "supervisor",
			Name:      "retries_total",
			Help:      "Retry decisions by result (scheduled, launched, skipped, exhausted).",
		}, []string{"result"}),
	}
	m.runningRuns = register(reg, m.runningRuns)
	m.ghosts = register(reg, m.ghosts)
	m.timeouts = register(reg, m.timeouts)
	m.retries = register(reg, m.retries)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
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

func (m *Metrics) scanned(running int) {
	if m == nil {
		return
	}
	m.runningRuns.Set(float64(running))
}

func (m *Metrics) ghost() {
	if m == nil {
		return
	}
	m.ghosts.Inc()
}

func (m *Metrics) timedOut() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) retry(result string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(result).Inc()
}
