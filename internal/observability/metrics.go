// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the settlement core.
type Metrics struct {
	// Settlement metrics
	SettlementsTotal   *prometheus.CounterVec // labeled by outcome
	SettlementDuration prometheus.Histogram
	DuplicateFills     prometheus.Counter
	LockContention     prometheus.Counter
	VersionConflicts   prometheus.Counter

	// Rule metrics
	ViolationsTotal *prometheus.CounterVec // labeled by rule kind

	// Lifecycle metrics
	TransitionsTotal *prometheus.CounterVec // labeled by target state

	// Audit metrics
	EventsAppended prometheus.Counter
	SinkPublished  prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "challenge_core"
	}

	return &Metrics{
		SettlementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by outcome",
		}, []string{"outcome"}),
		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Settlement critical-section duration",
			Buckets:   prometheus.DefBuckets,
		}),
		DuplicateFills: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duplicate_fills_total",
			Help:      "Fills replayed against an already-applied fill_id",
		}),
		LockContention: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "lock_contention_total",
			Help:      "Settlement attempts that timed out acquiring the challenge lock",
		}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "version_conflicts_total",
			Help:      "Optimistic-concurrency conflicts on challenge writes",
		}),
		ViolationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "violations_total",
			Help:      "Breached rule evaluations by kind",
		}, []string{"kind"}),
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Challenge state transitions by target state",
		}, []string{"state"}),
		EventsAppended: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_appended_total",
			Help:      "Audit events durably appended",
		}),
		SinkPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_published_total",
			Help:      "Events published to the downstream sink after commit",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
