package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssuji15/synthgen/internal/service/logger"
)

var (
	// ─── Work queue ──────────────────────────────────────────────────────────────

	WorkQueueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "workqueue",
		Name:      "enqueued_total",
		Help:      "Total items appended to the work queue.",
	})

	WorkQueueDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "workqueue",
		Name:      "dequeued_total",
		Help:      "Total items popped from the work queue.",
	})

	// ─── Pool ────────────────────────────────────────────────────────────────────

	PoolItemsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "pool",
		Name:      "items_produced_total",
		Help:      "Production attempts, labelled by terminal status.",
	}, []string{"status"})

	PoolProductionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "synthgen",
		Subsystem: "pool",
		Name:      "production_duration_seconds",
		Help:      "Time spent in a single producer call.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})

	PoolWorkersProducing = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synthgen",
		Subsystem: "pool",
		Name:      "workers_producing",
		Help:      "Workers in this process currently inside a producer call.",
	})

	PoolDeficit = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synthgen",
		Subsystem: "pool",
		Name:      "deficit",
		Help:      "Last deficit computed by any worker of this process.",
	})

	// ─── Sandbox ─────────────────────────────────────────────────────────────────

	SandboxAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "sandbox",
		Name:      "attempts_total",
		Help:      "Isolated execution attempts, labelled by outcome.",
	}, []string{"outcome"})

	SandboxExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Execute calls, labelled by final outcome.",
	}, []string{"outcome"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIProductionsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synthgen",
		Subsystem: "api",
		Name:      "productions_inflight",
		Help:      "Synchronous productions currently running for API callers.",
	})

	APIProductionsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "synthgen",
		Subsystem: "api",
		Name:      "productions_waiting",
		Help:      "API callers parked until a production slot frees up.",
	})

	APIProductionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "api",
		Name:      "productions_rejected_total",
		Help:      "API callers turned away because the wait queue was full.",
	})

	// ─── Browser feedback ────────────────────────────────────────────────────────

	FeedbackRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synthgen",
		Subsystem: "feedback",
		Name:      "runs_total",
		Help:      "Browser feedback runs, labelled by outcome.",
	}, []string{"outcome"})
)

// StartMetricsServer serves /metrics on addr until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Log.Info().Str("addr", addr).Msg("metrics server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("metrics server error")
		}
	}()
}
