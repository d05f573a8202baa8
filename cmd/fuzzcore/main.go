package main

import (
	"context"

	"fuzzcore/config"
	"fuzzcore/internal/constraint"
	"fuzzcore/internal/corpus"
	"fuzzcore/internal/crash"
	"fuzzcore/internal/dict"
	"fuzzcore/internal/fuzz"
	"fuzzcore/internal/scheduler"
	"fuzzcore/internal/seeds"
	"fuzzcore/internal/session"
	"fuzzcore/pkg/database"
	"fuzzcore/pkg/logger"
	"fuzzcore/pkg/metrics"
	"fuzzcore/pkg/mq"
	"fuzzcore/pkg/telemetry"
	"fuzzcore/pkg/watchdog"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func newAnalyzer(lc fx.Lifecycle, logger *zap.Logger) *constraint.Analyzer {
	a := constraint.NewAnalyzer(constraint.Options{Logger: logger.Named("analyzer")})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			a.Shutdown()
			return nil
		},
	})
	return a
}

func seedImporter(m *session.Manager) seeds.SeedImporter {
	return m
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,           // inject config
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			newKV,                       // inject snapshot and archive storage
			corpus.NewKVPersister,       // inject corpus persister
			newAnalyzer,                 // inject constraint analyzer
			fuzz.NewProcessExecutors,    // inject executors from EXECUTORS_FILE
			fuzz.NewExecutorRegistry,    // inject executor registry
			dict.NewDictGrabber,         // inject dict grabber
			crash.NewCrashManager,       // inject crash manager
			seeds.NewSeedManager,        // inject seed manager
			watchdog.NewWatchDogFactory, // inject watchdog factory
			session.NewManager,          // inject session manager
			seedImporter,                // inject the manager as seed importer
			scheduler.NewCoordinator,    // inject coordinator
		),
		corpus.CorpusGrabbersModule, // inject seed grabbers
		fx.Invoke(
			metrics.RegisterServer,
			seeds.NewDropWatcher,
			scheduler.NewScheduler,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
