package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineCollector records ingestion, extraction and analysis outcomes.
// A nil *PipelineCollector is valid and records nothing.
type PipelineCollector struct {
	runs        *prometheus.CounterVec
	items       *prometheus.CounterVec
	extractions *prometheus.CounterVec
	analyses    *prometheus.CounterVec
	llmLatency  prometheus.Histogram
}

// NewPipelineCollector registers the pipeline metrics with reg.
func NewPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	c := &PipelineCollector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Finished runs by kind and terminal status.",
		}, []string{"kind", "status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "items_total",
			Help:      "Items processed by runs, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "outcomes_total",
			Help:      "Body extraction attempts by terminal status.",
		}, []string{"status"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "transitions_total",
			Help:      "Analysis status transitions.",
		}, []string{"status"}),
		llmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "llm_duration_seconds",
			Help:      "Latency of LLM scoring calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
	}

	for _, col := range []prometheus.Collector{c.runs, c.items, c.extractions, c.analyses, c.llmLatency} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveRun records a finished run and its item counters.
func (c *PipelineCollector) ObserveRun(kind, status string, created, updated, skipped int) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(kind, status).Inc()
	c.items.WithLabelValues(kind, "created").Add(float64(created))
	c.items.WithLabelValues(kind, "updated").Add(float64(updated))
	c.items.WithLabelValues(kind, "skipped").Add(float64(skipped))
}

// ObserveExtraction records a terminal extraction status.
func (c *PipelineCollector) ObserveExtraction(status string) {
	if c == nil {
		return
	}
	c.extractions.WithLabelValues(status).Inc()
}

// ObserveAnalysis records an analysis status write.
func (c *PipelineCollector) ObserveAnalysis(status string) {
	if c == nil {
		return
	}
	c.analyses.WithLabelValues(status).Inc()
}

// ObserveLLM records the latency of one LLM call.
func (c *PipelineCollector) ObserveLLM(d time.Duration) {
	if c == nil {
		return
	}
	c.llmLatency.Observe(d.Seconds())
}
