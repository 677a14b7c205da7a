package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_routed_total",
			Help: "Routing decisions by backend and reason",
		},
		[]string{"backend", "reason"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_hits_total",
			Help: "Result cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_retries_total",
			Help: "Retry attempts by backend",
		},
		[]string{"backend"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Tasks currently queued or awaiting re-route",
		},
	)

	BackendInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_backend_in_flight",
			Help: "Calls currently in flight per backend",
		},
		[]string{"backend"},
	)

	BackendLoadScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_backend_load_score",
			Help: "Normalized backend load score in [0,1]",
		},
		[]string{"backend"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "orchestrator_backend_call_duration_seconds",
			Help: "Backend call duration in seconds",
		},
		[]string{"backend"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "Ingress HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "orchestrator_http_request_duration_seconds",
			Help: "Ingress HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)
)
