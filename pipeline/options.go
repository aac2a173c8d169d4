package pipeline

import (
	"fmt"
	"time"
)

// Options configures Engine execution. Zero values are valid.
type Options struct {
	// DefaultStageTimeout bounds each stage attempt that has no
	// StagePolicy.Timeout. Zero means unbounded.
	DefaultStageTimeout time.Duration

	// RunWallClockBudget bounds a whole Run or Resume call. Zero means
	// unbounded.
	RunWallClockBudget time.Duration

	// Metrics receives Prometheus measurements. Nil disables metrics.
	Metrics *PrometheusMetrics
}

// Option is a functional option for New.
//
// Example:
//
//	engine, err := pipeline.New(reducer, st, emitter,
//	    pipeline.WithDefaultStageTimeout(10*time.Minute),
//	    pipeline.WithMetrics(pipeline.NewPrometheusMetrics(registry)),
//	)
type Option func(*Options) error

// WithDefaultStageTimeout sets Options.DefaultStageTimeout.
func WithDefaultStageTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("default stage timeout must be >= 0, got %v", d)
		}
		o.DefaultStageTimeout = d
		return nil
	}
}

// WithRunWallClockBudget sets Options.RunWallClockBudget.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("run wall clock budget must be >= 0, got %v", d)
		}
		o.RunWallClockBudget = d
		return nil
	}
}

// WithMetrics attaches Prometheus metrics to the engine.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}
