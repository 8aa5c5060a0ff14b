// Package metrics exposes the orchestrator's Prometheus instruments on a
// private registry, served at GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcome label values.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeTimedOut    = "timed_out"
	OutcomeCrashed     = "crashed"
	OutcomeProtocolErr = "protocol_error"
	OutcomeCancelled   = "cancelled"
)

// Metrics bundles every instrument. Fields are used directly by the
// components that own the measurement.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchesTotal counts finished dispatch attempts by outcome.
	DispatchesTotal *prometheus.CounterVec

	// DispatchDuration observes wall-clock seconds per dispatch.
	DispatchDuration prometheus.Histogram

	// AgentsByStatus tracks the registry composition.
	AgentsByStatus *prometheus.GaugeVec

	// Discovery counters.
	AgentsRegistered prometheus.Counter
	AgentsRemoved    prometheus.Counter

	// Recovery counters.
	RecoveryAttempts  prometheus.Counter
	RecoverySuccesses prometheus.Counter

	// SchedulerQueueDepth tracks pending items per capability label.
	SchedulerQueueDepth *prometheus.GaugeVec
}

// New creates the instruments on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_dispatches_total",
			Help: "Finished dispatch attempts by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_dispatch_duration_seconds",
			Help:    "Wall-clock duration of dispatch attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		AgentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_agents",
			Help: "Registered agents by status.",
		}, []string{"status"}),
		AgentsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_discovery_registered_total",
			Help: "Agents registered by discovery.",
		}),
		AgentsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_discovery_removed_total",
			Help: "Agents removed by discovery after unreachability.",
		}),
		RecoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_recovery_attempts_total",
			Help: "Recovery attempts on broken agents.",
		}),
		RecoverySuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_recovery_successes_total",
			Help: "Broken agents returned to service.",
		}),
		SchedulerQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_scheduler_queue_depth",
			Help: "Pending work items per capability label.",
		}, []string{"label"}),
	}
}

// SetAgentCounts updates the per-status agent gauge in one shot.
func (m *Metrics) SetAgentCounts(available, busy, broken int) {
	m.AgentsByStatus.WithLabelValues("AVAILABLE").Set(float64(available))
	m.AgentsByStatus.WithLabelValues("BUSY").Set(float64(busy))
	m.AgentsByStatus.WithLabelValues("BROKEN").Set(float64(broken))
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
