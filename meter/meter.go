package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EndpointCalls counts pool calls per endpoint by result ("ok" or an error class)
	EndpointCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_endpoint_calls_total",
			Help: "Calls attempted against each endpoint, by result",
		},
		[]string{"endpoint", "result"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_endpoint_breaker_state",
			Help: "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
		},
		[]string{"endpoint"},
	)

	EndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_endpoint_health",
			Help: "Probe health per endpoint (0 unknown, 1 healthy, 2 degraded, 3 unreachable)",
		},
		[]string{"endpoint"},
	)

	ProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_endpoint_probe_seconds",
			Help:    "Latency of health probes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"endpoint"},
	)

	PoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_pool_exhausted_total",
			Help: "Calls that found no eligible endpoint",
		},
		[]string{"kind"},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_submissions_total",
			Help: "Transactions handed to the submitter, by path and result",
		},
		[]string{"path", "result"},
	)

	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_resolutions_total",
			Help: "Terminal job outcomes",
		},
		[]string{"outcome", "last_error"},
	)

	ResolutionAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_resolution_attempts",
			Help:    "Number of submissions a job needed before reaching a terminal outcome",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	PendingTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_pending_transactions",
			Help: "Transactions awaiting confirmation",
		},
	)

	RetryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_retry_backlog",
			Help: "Entries waiting in the retry queue",
		},
	)

	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_stream_reconnects_total",
			Help: "Websocket reconnections per topic kind",
		},
		[]string{"topic"},
	)
)
