package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/mlpipeline/internal/config"
	"github.com/dshills/mlpipeline/internal/orchestrator"
	"github.com/dshills/mlpipeline/pipeline"
	"github.com/dshills/mlpipeline/pipeline/emit"
	"github.com/dshills/mlpipeline/pipeline/store"
)

// runtime owns the resources of one pipeline invocation.
type runtime struct {
	store   store.Store[orchestrator.State]
	emitter emit.Emitter
	metrics *pipeline.PrometheusMetrics

	// metricsAddr is the bound address of the metrics server, if any.
	metricsAddr string

	closers []func(context.Context) error
}

func (r *runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (r *runtime) close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (a *app) openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	rt := &runtime{}

	st, closeStore, err := openStore(a.cfg)
	if err != nil {
		return nil, err
	}
	rt.store = st
	rt.onClose(func(context.Context) error { return closeStore() })

	emitters := emit.NewMultiEmitter(emit.NewLogEmitter(cmd.ErrOrStderr(), a.cfg.Log.Format == config.LogJSON))
	rt.emitter = emitters

	if a.cfg.Trace.File != "" {
		otelEmitter, err := setupTracing(rt, a.cfg.Trace.File)
		if err != nil {
			_ = rt.close(ctx)
			return nil, err
		}
		emitters.Add(otelEmitter)
	}

	if a.cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rt.metrics = pipeline.NewPrometheusMetrics(registry)
		if err := serveMetrics(rt, a.cfg.Metrics.Addr, registry); err != nil {
			_ = rt.close(ctx)
			return nil, err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on http://%s/metrics\n", rt.metricsAddr)
	}

	return rt, nil
}

// openStore opens the configured run store and returns its close function.
func openStore(cfg *config.Config) (store.Store[orchestrator.State], func() error, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return store.NewMemStore[orchestrator.State](), func() error { return nil }, nil
	case config.StoreMySQL:
		st, err := store.NewMySQLStore[orchestrator.State](cfg.StoreDSN())
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		path := cfg.StoreDSN()
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		st, err := store.NewSQLiteStore[orchestrator.State](path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
}

// setupTracing installs a tracer provider exporting to path and returns an
// emitter that turns pipeline events into spans.
func setupTracing(rt *runtime, path string) (*emit.OTelEmitter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f), stdouttrace.WithPrettyPrint())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	emitter := emit.NewOTelEmitter(tp.Tracer("github.com/dshills/mlpipeline"))

	rt.onClose(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := errors.Join(emitter.Flush(ctx), tp.Shutdown(ctx))
		return errors.Join(err, f.Close())
	})
	return emitter, nil
}

// serveMetrics exposes registry on addr until the runtime closes.
func serveMetrics(rt *runtime, addr string, registry *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	rt.metricsAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		_ = srv.Serve(ln)
	}()

	rt.onClose(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}
