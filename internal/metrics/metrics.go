// Package metrics holds the Prometheus collectors for the matchmaking core.
// Label values are bounded enums (status, reason, outcome), never user or
// session ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueJoins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_queue_joins_total",
			Help: "Queue join attempts by result status.",
		},
		[]string{"status"},
	)

	QueueLeaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_queue_leaves_total",
			Help: "Queue leave calls by result status.",
		},
		[]string{"status"},
	)

	PairsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchmaking_pairs_created_total",
			Help: "Sessions created by the matching worker.",
		},
	)

	Requeues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_requeues_total",
			Help: "Queue members put back by the matching worker, by reason.",
		},
		[]string{"reason"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchmaking_worker_tick_seconds",
			Help:    "Duration of matching worker ticks.",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_lock_contention_total",
			Help: "Per-user lock acquisitions that found the lock held, by caller.",
		},
		[]string{"op"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_sessions_ended_total",
			Help: "Session end transitions by reason.",
		},
		[]string{"reason"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_decisions_total",
			Help: "Finalized session decisions by outcome.",
		},
		[]string{"outcome"},
	)
)

// Requeue reasons
const (
	RequeueOddMember   = "odd_member"
	RequeueDeferred    = "deferred"
	RequeueMissingPeer = "missing_peer"
	RequeueBlocked     = "blocked"
	RequeueLockBusy    = "lock_busy"
	RequeueCreateError = "create_error"
)

func init() {
	prometheus.MustRegister(
		QueueJoins,
		QueueLeaves,
		PairsCreated,
		Requeues,
		TickDuration,
		LockContention,
		SessionsEnded,
		Decisions,
		httpReqs,
		httpLat,
		httpInflight,
	)
}
