// Package metrics holds the Prometheus instruments of the engine and the optional
// scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fuzzcore/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// Executions counts target executions by language
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzcore_executions_total",
		Help: "Total target executions by language",
	}, []string{"language"})

	// Crashes counts crashing executions by signal kind
	Crashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzcore_crashes_total",
		Help: "Total crashing executions by signal",
	}, []string{"signal"})

	// WorkerFaults counts worker panics and executor failures
	WorkerFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuzzcore_worker_faults_total",
		Help: "Total worker faults",
	})

	// TaskOutcomes counts terminal task states
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzcore_task_outcomes_total",
		Help: "Total finished tasks by status",
	}, []string{"status"})

	// QueueDepth is the number of pending tasks in the coordinator
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fuzzcore_queue_depth",
		Help: "Pending tasks waiting for a worker",
	})

	// TaskDuration tracks how long a worker spends on one task
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fuzzcore_task_duration_seconds",
		Help:    "Task execution time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})

	// CorpusSeeds is the in-memory seed count per target
	CorpusSeeds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fuzzcore_corpus_seeds",
		Help: "Seeds held in memory per target",
	}, []string{"target_id"})

	// CorpusCoverage is the cumulative coverage unit count per target
	CorpusCoverage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fuzzcore_corpus_coverage_units",
		Help: "Cumulative coverage units per target",
	}, []string{"target_id"})

	// ClusterEvents counts crash cluster events by kind and severity
	ClusterEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzcore_cluster_events_total",
		Help: "Total crash cluster events by kind and severity",
	}, []string{"kind", "severity"})

	// ConstraintsSolved counts analyzer outcomes
	ConstraintsSolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzcore_constraints_total",
		Help: "Path constraints by solving result",
	}, []string{"result"})
)

type ServerParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// RegisterServer serves /metrics on METRICS_ADDR for the lifetime of the app
func RegisterServer(p ServerParams) {
	if p.Config.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              p.Config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			p.Logger.Info("serving metrics", zap.String("addr", p.Config.MetricsAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
