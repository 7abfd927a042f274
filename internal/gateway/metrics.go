package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Gateway calls by terminal outcome.",
	}, []string{"outcome"}) // "settled", "challenge", or a lowercased error code

	gwStageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "stage_duration_seconds",
		Help:      "Latency of each gateway stage in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	gwSettleAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "settlement_attempts",
		Help:      "Facilitator settle attempts per settled or failed call.",
		Buckets:   []float64{1, 2, 3},
	})

	gwOwnershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "ownership_changes_total",
		Help:      "Calls aborted before settlement because the agent token changed owner.",
	})

	gwUnpaidServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "unpaid_served_total",
		Help:      "Calls the backend served without a confirmed settlement, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(gwCalls, gwStageLatency, gwSettleAttempts, gwOwnershipChanges, gwUnpaidServed)
}

func observeStage(stage string, start time.Time) int64 {
	d := time.Since(start)
	gwStageLatency.WithLabelValues(stage).Observe(d.Seconds())
	return d.Milliseconds()
}
