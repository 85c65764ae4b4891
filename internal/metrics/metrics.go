package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PointsTotal counts points moved by the ledger, by event type.
	PointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_points_total",
			Help: "Points earned or redeemed",
		},
		[]string{"type"}, // earn|redeem
	)

	// OperationsTotal counts ledger operations by type and outcome.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_operations_total",
			Help: "Ledger operations by outcome",
		},
		[]string{"type", "outcome"}, // outcome: ok|replayed|not_found|insufficient|conflict|error
	)

	OutboxPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_outbox_published_total",
			Help: "Outbox events relayed to Kafka",
		},
	)

	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// MustRegister registers every collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(PointsTotal, OperationsTotal, OutboxPublished, HTTPLatency)
}
