package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	// Ledger
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger mutations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	LedgerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger mutation latency including lock wait and retries",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	LedgerConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_conflict_retries_total",
			Help: "Ledger units of work retried after a write conflict",
		},
	)

	// Metering
	UsageDebits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_debits_total",
			Help: "Usage debits by outcome",
		},
		[]string{"outcome"},
	)

	UsageDebitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metering_debit_duration_seconds",
			Help:    "End-to-end latency of deductCreditsForUsage",
			Buckets: prometheus.DefBuckets,
		},
	)

	CreditsDeducted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_credits_deducted_total",
			Help: "Credits deducted for usage by provider",
		},
		[]string{"provider"},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_pricing_fallbacks_total",
			Help: "Usage priced with the default entry",
		},
		[]string{"provider"},
	)

	UsageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_records_total",
			Help: "Usage record writes by outcome",
		},
		[]string{"outcome"},
	)

	// Auto top-up
	TopUpAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topup_attempts_total",
			Help: "Auto top-up attempts by outcome",
		},
		[]string{"outcome"},
	)

	TopUpQueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "topup_queue_drops_total",
			Help: "Auto top-up jobs dropped because the queue was full",
		},
	)

	TopUpQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "topup_queue_depth",
			Help: "Auto top-up jobs waiting for a worker",
		},
	)

	// Payments
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Stripe webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// ObserveLedger records one ledger operation.
func ObserveLedger(operation, outcome string, started time.Time) {
	LedgerOperations.WithLabelValues(operation, outcome).Inc()
	LedgerLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// RecordDeduction records a successful usage debit.
func RecordDeduction(provider string, amount decimal.Decimal) {
	UsageDebits.WithLabelValues("success").Inc()
	CreditsDeducted.WithLabelValues(provider).Add(amount.InexactFloat64())
}
