package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charity",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Number of engine calls by operation and result code",
		},
		[]string{"operation", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "charity",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine calls including the store transaction",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charity",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Number of committed campaign events by type",
		},
		[]string{"type"},
	)

	expiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "charity",
			Subsystem: "engine",
			Name:      "expired_campaigns_total",
			Help:      "Number of campaigns failed with TIME_IS_UP, lazy or swept",
		},
	)

	sweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "charity",
			Subsystem: "sweeper",
			Name:      "swept_campaigns_total",
			Help:      "Number of campaigns failed by the background sweeper",
		},
	)

	transferFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "charity",
			Subsystem: "engine",
			Name:      "transfer_failures_total",
			Help:      "Number of gateway transfers that failed and rolled the call back",
		},
	)

	settlementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "charity",
			Subsystem: "engine",
			Name:      "settlement_failures_total",
			Help:      "Number of payouts whose ledger commit failed after the gateway transfer succeeded",
		},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal, operationDuration, eventsTotal, expiredTotal, sweptTotal, transferFailures,
		settlementFailures)
}
