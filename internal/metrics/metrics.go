package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cex_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cex_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cex_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cex_messages_sent_total",
			Help: "Total messages accepted for delivery",
		},
		[]string{"category"},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cex_messages_delivered_total",
			Help: "Total messages claimed by a recipient",
		},
	)

	PermissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cex_permission_denials_total",
			Help: "Total sends rejected by permission evaluation",
		},
		[]string{"reason"}, // "blocked" or "inactive"
	)

	WebhookPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cex_webhook_pushes_total",
			Help: "Total webhook push attempts",
		},
		[]string{"outcome"}, // "ok", "failed", "skipped"
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cex_active_streams",
			Help: "Long-poll streams currently waiting",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cex_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cex_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cex_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cex_store_latency_seconds",
			Help:    "Datastore query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
