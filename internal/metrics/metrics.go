// Package metrics exports correlator activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcorrelate_ingest_total",
			Help: "Ingested events by stream kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	deadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcorrelate_dead_letter_total",
			Help: "Messages diverted to the dead letter topic by stream kind and reason.",
		},
		[]string{"kind", "reason"},
	)
	evictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcorrelate_evicted_total",
			Help: "Partial records evicted before completion, by missing kind.",
		},
		[]string{"missing"},
	)
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcorrelate_publish_total",
			Help: "Composite publish attempts by status.",
		},
		[]string{"status"},
	)
	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kcorrelate_publish_duration_seconds",
			Help:    "Duration of composite publishes including retries.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
	partialRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kcorrelate_partial_records",
			Help: "Partial records currently held by the correlator.",
		},
	)
	stagedComposites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kcorrelate_staged_composites",
			Help: "Completed composites waiting to be published.",
		},
	)
)

func Ingested(kind, outcome string) {
	ingestTotal.WithLabelValues(kind, outcome).Inc()
}

func DeadLettered(kind, reason string) {
	deadLetterTotal.WithLabelValues(kind, reason).Inc()
}

// Evicted counts one eviction per missing kind so dashboards can show which
// stream is lagging.
func Evicted(missing []string) {
	for _, m := range missing {
		evictedTotal.WithLabelValues(m).Inc()
	}
}

func Published(ok bool, seconds float64) {
	status := "success"
	if !ok {
		status = "failure"
	}
	publishTotal.WithLabelValues(status).Inc()
	publishDuration.Observe(seconds)
}

func SetPartialRecords(n int) {
	partialRecords.Set(float64(n))
}

func SetStagedComposites(n int) {
	stagedComposites.Set(float64(n))
}
