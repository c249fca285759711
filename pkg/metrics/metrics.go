package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Discovery metrics
var (
	DiscoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_discovery_attempts_total",
			Help: "Total number of autodiscovery strategy attempts",
		},
		[]string{"strategy", "result"},
	)

	SniffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_sniffs_total",
			Help: "Total number of protocol banner sniffs",
		},
		[]string{"result"},
	)
)

// Connection pool metrics
var (
	PoolEntriesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gate_pool_entries_current",
			Help: "Current number of pooled live connections",
		},
	)

	PoolHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_pool_hits_total",
			Help: "Total number of pool lookups served by a live connection",
		},
	)

	PoolMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_pool_misses_total",
			Help: "Total number of pool lookups that created a new connection",
		},
	)

	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_pool_evictions_total",
			Help: "Total number of pool evictions",
		},
		[]string{"reason"},
	)
)

// Token metrics
var (
	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type"},
	)

	TokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_token_verifications_total",
			Help: "Total number of token verifications",
		},
		[]string{"result"},
	)
)

// Session metrics
var (
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)

	ProtocolConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_protocol_connects_total",
			Help: "Total number of upstream protocol connections established",
		},
		[]string{"protocol", "result"},
	)

	ProtocolConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_protocol_connect_duration_seconds",
			Help:    "Duration of upstream protocol connection handshakes",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"protocol"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
