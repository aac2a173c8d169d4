package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage status label values.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Run status label values.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// PrometheusMetrics collects pipeline execution metrics.
//
// Metrics exposed (namespace "mlpipeline"):
//
//  1. stage_latency_ms (histogram): stage attempt duration. Labels: stage, status.
//  2. stage_runs_total (counter): stage attempts. Labels: stage, status.
//  3. retries_total (counter): retries scheduled. Labels: stage, reason.
//  4. inflight_stages (gauge): stages currently executing (0 or 1 per engine).
//  5. runs_total (counter): finished runs. Labels: status.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	engine, _ := pipeline.New(reducer, st, emitter, pipeline.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, so callers need no nil checks.
type PrometheusMetrics struct {
	inflightStages prometheus.Gauge
	stageLatency   *prometheus.HistogramVec
	stageRuns      *prometheus.CounterVec
	retries        *prometheus.CounterVec
	runs           *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the pipeline metrics with
// registry. A nil registry means prometheus.DefaultRegisterer.
//
// Registering twice against the same registry panics, as with any
// promauto collector; use one PrometheusMetrics per registry.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightStages = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "mlpipeline",
		Name:      "inflight_stages",
		Help:      "Number of pipeline stages currently executing",
	})

	// Stages range from milliseconds (tiny CSVs) to many minutes (training).
	pm.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mlpipeline",
		Name:      "stage_latency_ms",
		Help:      "Stage attempt duration in milliseconds",
		Buckets:   []float64{1, 10, 100, 500, 1000, 5000, 30000, 60000, 300000, 1800000},
	}, []string{"stage", "status"})

	pm.stageRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mlpipeline",
		Name:      "stage_runs_total",
		Help:      "Stage attempts by outcome",
	}, []string{"stage", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mlpipeline",
		Name:      "retries_total",
		Help:      "Stage retries scheduled after a retryable failure",
	}, []string{"stage", "reason"})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mlpipeline",
		Name:      "runs_total",
		Help:      "Finished pipeline runs by outcome",
	}, []string{"status"})

	return pm
}

func (pm *PrometheusMetrics) isEnabled() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStage records one stage attempt: its latency and outcome.
func (pm *PrometheusMetrics) RecordStage(stageID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.stageLatency.WithLabelValues(stageID, status).Observe(float64(latency.Milliseconds()))
	pm.stageRuns.WithLabelValues(stageID, status).Inc()
}

// IncrementRetries counts a scheduled retry. reason is "error" or "timeout".
func (pm *PrometheusMetrics) IncrementRetries(stageID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(stageID, reason).Inc()
}

// StageStarted increments the inflight gauge.
func (pm *PrometheusMetrics) StageStarted() {
	if !pm.isEnabled() {
		return
	}
	pm.inflightStages.Inc()
}

// StageFinished decrements the inflight gauge.
func (pm *PrometheusMetrics) StageFinished() {
	if !pm.isEnabled() {
		return
	}
	pm.inflightStages.Dec()
}

// RecordRun counts a finished run.
func (pm *PrometheusMetrics) RecordRun(status string) {
	if !pm.isEnabled() {
		return
	}
	pm.runs.WithLabelValues(status).Inc()
}

// Disable stops metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and
// keep their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightStages.Set(0)
}
