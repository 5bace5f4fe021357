// Package metrics holds the process-wide Prometheus collectors. They register
// on the default registry, which cmd/api exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TopUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_topups_total",
			Help: "Top-up attempts by payment method and final outcome",
		},
		[]string{"method", "outcome"},
	)

	TopUpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_topup_duration_seconds",
			Help:    "Wall time of a top-up attempt including the provider call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	LedgerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_ledger_fallback_total",
			Help: "Balance writes that used the non-atomic compare-and-set path",
		},
	)

	ReconciliationJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_reconciliation_jobs_total",
			Help: "Reconciliation jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trip_transitions_total",
			Help: "Trip status transitions by target status",
		},
		[]string{"to"},
	)

	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open websocket connections",
		},
	)
)
