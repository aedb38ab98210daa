package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request outcomes
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total proxy requests by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_gateway_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Upstream
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_gateway_upstream_duration_seconds",
			Help:    "Upstream provider call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "vendor"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_upstream_errors_total",
			Help: "Upstream provider failures by reason",
		},
		[]string{"vendor", "reason"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_gateway_tokens_total",
			Help: "Tokens consumed by plan and direction",
		},
		[]string{"plan", "direction"},
	)

	// Degraded paths
	PlanResolutionDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plan_resolution_degraded_total",
			Help: "Plan lookups that failed and fell back to free",
		},
	)

	// Unlabelled: origin is caller supplied. The origin is in the WARN log.
	ToolPolicyMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tool_policy_missing_total",
			Help: "Requests whose origin had no tool policy",
		},
	)

	UsageRecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_record_failures_total",
			Help: "Usage events that could not be persisted",
		},
	)

	// Quota
	QuotaReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_reservations_total",
			Help: "Quota reservation attempts by result",
		},
		[]string{"result"},
	)

	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Whether a dependency is reachable (1) or not (0)",
		},
		[]string{"service"},
	)

	// Notifications
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Event webhook delivery attempts by outcome",
		},
		[]string{"event_type", "status"},
	)

	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_retry_queue_depth",
			Help: "Current depth of the notification retry queue",
		},
	)
)

// RecordTokens adds a completed call's token counts.
func RecordTokens(plan string, tokensIn, tokensOut int) {
	TokensTotal.WithLabelValues(plan, "in").Add(float64(tokensIn))
	TokensTotal.WithLabelValues(plan, "out").Add(float64(tokensOut))
}

// SetDependencyUp updates a dependency health gauge.
func SetDependencyUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	DependencyUp.WithLabelValues(service).Set(v)
}
