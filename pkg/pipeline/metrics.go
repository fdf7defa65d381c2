package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for the events counter.
const (
	outcomePersisted    = "persisted"
	outcomeBelowMinRisk = "below_min_risk"
	outcomeIgnored      = "ignored"
	outcomeDeadLettered = "dead_lettered"
	outcomeFailed       = "failed"
)

var (
	pipelineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrill_pipeline_events_total",
		Help: "Events handled by the pipeline, by final outcome.",
	}, []string{"outcome"})

	pipelineEventDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentrill_pipeline_event_duration_seconds",
		Help:    "End-to-end per-event processing time.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	pipelineInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentrill_pipeline_in_flight",
		Help: "Events currently being processed.",
	})

	pipelinePersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentrill_pipeline_persist_retries_total",
		Help: "Persist attempts beyond the first.",
	})

	pipelineStageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrill_pipeline_stage_errors_total",
		Help: "Tolerated stage failures, by stage.",
	}, []string{"stage"})
)
