package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics served at /metrics.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_requests_total",
			Help: "Total relayed requests",
		},
		[]string{"protocol", "model", "outcome"}, // outcome: completed/failed
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirogate_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"protocol", "model"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_retries_total",
			Help: "Retry attempts by failure reason",
		},
		[]string{"reason"},
	)

	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_request_errors_total",
			Help: "Failed requests by error type",
		},
		[]string{"type"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_tokens_total",
			Help: "Estimated tokens relayed",
		},
		[]string{"model", "direction"}, // direction: input/output
	)

	AccountRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_account_requests_total",
			Help: "Requests settled per credential",
		},
		[]string{"account"},
	)

	StreamChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kirogate_stream_chunks_total",
			Help: "Streamed content fragments delivered downstream",
		},
	)

	AccountsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kirogate_accounts_available",
			Help: "Credentials currently selectable for dispatch",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kirogate_websocket_clients",
			Help: "Connected flow-feed websocket subscribers",
		},
	)
)
