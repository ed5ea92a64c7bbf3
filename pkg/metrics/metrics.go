package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventide"

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)

	// AuthOutcomes counts session checks by credential source and result
	// (ok, expired, invalid, denied).
	AuthOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auth_outcomes_total", Help: "Session verification outcomes by source and result."},
		[]string{"source", "result"},
	)
	// ReconcileOutcomes: found, backfilled, created, race_reused, conflict, error.
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_outcomes_total", Help: "Identity reconciliation outcomes."},
		[]string{"outcome"},
	)
	RoleMirrorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "role_mirror_failures_total", Help: "Role claim writes to the identity provider that failed."},
	)
	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connections", Help: "Open real-time connections on this instance."},
	)
	RealtimeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_dropped_messages_total", Help: "Broadcast messages dropped because a connection queue was full."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(AuthOutcomes)
	reg.MustRegister(ReconcileOutcomes)
	reg.MustRegister(RoleMirrorFailures)
	reg.MustRegister(RealtimeConnections)
	reg.MustRegister(RealtimeDropped)
}
