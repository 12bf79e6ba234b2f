package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records event pipeline throughput and failures.
type PipelineMetrics struct {
	published      *prometheus.CounterVec
	publishFailure *prometheus.CounterVec
	processed      *prometheus.CounterVec
	deadLettered   *prometheus.CounterVec
	replayed       prometheus.Counter
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Events appended to the main stream.",
	}, []string{"type"})
	publishFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_publish_failures_total",
		Help: "Publish attempts that exhausted their retries.",
	}, []string{"type"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Events acknowledged by the worker.",
	}, []string{"type"})
	deadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dead_lettered_total",
		Help: "Events moved to the DLQ stream.",
	}, []string{"type"})
	replayed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_replayed_total",
		Help: "DLQ entries re-appended to the main stream.",
	})
	reg.MustRegister(published, publishFailure, processed, deadLettered, replayed)
	return &PipelineMetrics{
		published:      published,
		publishFailure: publishFailure,
		processed:      processed,
		deadLettered:   deadLettered,
		replayed:       replayed,
	}
}

// IncPublished increments the published counter for the event type.
func (p *PipelineMetrics) IncPublished(eventType string) {
	if p == nil || p.published == nil {
		return
	}
	p.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncPublishFailure increments the exhausted-publish counter for the event type.
func (p *PipelineMetrics) IncPublishFailure(eventType string) {
	if p == nil || p.publishFailure == nil {
		return
	}
	p.publishFailure.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncProcessed increments the processed counter for the event type.
func (p *PipelineMetrics) IncProcessed(eventType string) {
	if p == nil || p.processed == nil {
		return
	}
	p.processed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncDeadLettered increments the DLQ-routed counter for the event type.
func (p *PipelineMetrics) IncDeadLettered(eventType string) {
	if p == nil || p.deadLettered == nil {
		return
	}
	p.deadLettered.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncReplayed increments the replay counter.
func (p *PipelineMetrics) IncReplayed() {
	if p == nil || p.replayed == nil {
		return
	}
	p.replayed.Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return strings.ToLower(value)
}
