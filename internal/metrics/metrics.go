// Package metrics defines the ambient Prometheus collectors: apply counts by
// terminal status, dispatcher call latency by operation, and store retry
// counters (SPEC_FULL.md §2b). The teacher already carries
// prometheus/client_golang as an indirect dependency via controller-runtime;
// this promotes it to a direct, exercised one. Metrics collection is ambient
// and carried regardless of the spec's Non-goals, which exclude historical
// event logs, not point-in-time counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the core registers against a Registerer.
type Metrics struct {
	ApplyTotal       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	StoreRetryTotal  prometheus.Counter
}

// New constructs Metrics and registers them against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layoutapply",
			Name:      "apply_total",
			Help:      "Count of applies reaching a terminal status, by status.",
		}, []string{"status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "layoutapply",
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatcher round-trip latency (including retry/poll) by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		StoreRetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "layoutapply",
			Name:      "store_serialization_retry_total",
			Help:      "Count of store transactions retried due to serialization failure.",
		}),
	}
	reg.MustRegister(m.ApplyTotal, m.DispatchDuration, m.StoreRetryTotal)
	return m
}
