package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileUnsettled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "unsettled_payments",
		Help:      "Verified but unsettled payments found in the last sweep window.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total failed reconciliation sweeps.",
	})
)

func init() {
	prometheus.MustRegister(reconcileUnsettled, reconcileDuration, reconcileErrors)
}
