// Package metrics defines the Prometheus instruments of the engine.
//
// Instruments are package-level and registered once with the default
// registry; cmd/server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campfire"

// ─── Task Lifecycle ─────────────────────────────────────────────────────────

// TaskTransitions counts committed status changes.
var TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "transitions_total",
	Help:      "Committed task status transitions by source and target status.",
}, []string{"from", "to"})

// TaskTransitionRejections counts transitions refused before any write.
var TaskTransitionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "transition_rejections_total",
	Help:      "Rejected task transition requests by reason.",
}, []string{"reason"})

// TasksCreated counts tasks created (and their credits held).
var TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "created_total",
	Help:      "Tasks created.",
})

// HoldsExpired counts submitted tasks cancelled by the hold expiry policy.
var HoldsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "holds_expired_total",
	Help:      "Submitted tasks cancelled because their hold expired.",
})

// ─── Credit Ledger ──────────────────────────────────────────────────────────

// LedgerOperations counts committed ledger primitives by transaction type.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Committed ledger operations by transaction type.",
}, []string{"type"})

// LedgerCredits sums the credits moved by committed ledger operations.
var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Credits moved by committed ledger operations by transaction type.",
}, []string{"type"})

// HoldRejections counts holds refused for insufficient credits.
var HoldRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "hold_rejections_total",
	Help:      "Holds rejected because available credits were insufficient.",
})

// RecordLedgerOperation records one committed primitive moving credits.
func RecordLedgerOperation(txType string, credits float64) {
	LedgerOperations.WithLabelValues(txType).Inc()
	if credits < 0 {
		credits = -credits
	}
	LedgerCredits.WithLabelValues(txType).Add(credits)
}

// ─── Notifications ──────────────────────────────────────────────────────────

var NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notifications",
	Name:      "sent_total",
	Help:      "Notifications delivered by type.",
}, []string{"type"})

var NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notifications",
	Name:      "failed_total",
	Help:      "Notifications that could not be delivered and were dropped.",
})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPRequestDuration observes API latency by route pattern.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by method, route pattern and status code.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})
