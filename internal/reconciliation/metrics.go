package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOrderMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "order_mismatches",
		Help:      "Number of settled orders disagreeing with the ledger in the last run.",
	})

	reconcilePayoutMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "payout_mismatches",
		Help:      "Number of debited payouts disagreeing with the ledger in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs aborted by an error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileOrderMismatches,
		reconcilePayoutMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
