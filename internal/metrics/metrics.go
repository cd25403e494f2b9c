// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datapipe"

var (
	// StageRuns counts stage executions by stage and outcome (ok, error).
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Total number of stage executions",
		},
		[]string{"stage", "outcome"},
	)

	// StageDuration observes stage wall time.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	// Runs counts pipeline runs by terminal outcome (done, error, conflict, canceled).
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs",
		},
		[]string{"outcome"},
	)

	// RunsActive tracks runs currently executing in this process.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Pipeline runs currently executing",
		},
	)

	// AnnotateBatches counts annotation batches by outcome (ok, fallback, defaulted).
	AnnotateBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotate_batches_total",
			Help:      "Total number of annotation batches",
		},
		[]string{"outcome"},
	)

	// AnnotateCalls counts endpoint calls by provider and result (ok, malformed, empty, error).
	AnnotateCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotate_calls_total",
			Help:      "Total number of annotation endpoint calls",
		},
		[]string{"provider", "result"},
	)

	// IntakeDeliveries counts work items by kind and disposition (ack, drop, requeue).
	IntakeDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_deliveries_total",
			Help:      "Total number of intake deliveries",
		},
		[]string{"kind", "disposition"},
	)

	// EventsPublished counts published events by sink and outcome.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of published events",
		},
		[]string{"sink", "outcome"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
