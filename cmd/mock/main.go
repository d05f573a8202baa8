package main

// mock a target submission

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"fuzzcore/config"
	"fuzzcore/internal/scheduler"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/database"
	"fuzzcore/pkg/logger"
	"fuzzcore/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const demoTarget = `const chunks = [];
process.stdin.on("data", (c) => chunks.push(c));
process.stdin.on("end", () => {
  const input = Buffer.concat(chunks).toString();
  let data = {};
  try { data = JSON.parse(input); } catch (e) { return; }
  if (data.user === "admin") {
    if (data.age > 120) {
      throw new Error("age overflow for " + data.user);
    }
  }
});
`

type mockApp struct {
	redisClient  *redis.Client
	logger       *zap.Logger
	traceFactory *telemetry.TracerFactory
	shutdowner   fx.Shutdowner

	targetFile string
	language   string
	cancel     string
}

type mockParams struct {
	fx.In
	RedisClient  *redis.Client `optional:"true"`
	Logger       *zap.Logger
	TraceFactory *telemetry.TracerFactory
	Shutdowner   fx.Shutdowner
}

func (m *mockApp) run() error {
	defer m.shutdowner.Shutdown()
	if m.redisClient == nil {
		return fmt.Errorf("no redis configured, set OVERRIDE_REDIS_URL")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m.cancel != "" {
		key := fmt.Sprintf(scheduler.TaskStatusKeyTmpl, m.cancel)
		if err := m.redisClient.Set(ctx, key, "canceled", 0).Err(); err != nil {
			return err
		}
		m.logger.Info("target canceled", zap.String("target_id", m.cancel))
		return nil
	}

	code := demoTarget
	if m.targetFile != "" {
		data, err := os.ReadFile(m.targetFile)
		if err != nil {
			return err
		}
		code = string(data)
	}

	targetID := uuid.New().String()
	statusKey := fmt.Sprintf(scheduler.TaskStatusKeyTmpl, targetID)
	if err := m.redisClient.Set(ctx, statusKey, "processing", 0).Err(); err != nil {
		return err
	}

	tracer := m.traceFactory.NewSubmissionTracer(ctx, targetID, m.language)
	tracer.Start()
	defer tracer.End()
	m.redisClient.Set(ctx, fmt.Sprintf(telemetry.SessionTraceKeyTmpl, targetID), tracer.Export(), 0)

	body, err := json.Marshal(scheduler.TargetSubmission{
		TargetID:         targetID,
		Code:             code,
		Language:         m.language,
		Seeds:            [][]byte{[]byte(`{"user":"guest","age":30}`)},
		SeedFromAnalyzer: true,
		Limits:           types.Limits{ExecTimeout: 2 * time.Second, Iterations: 200},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := m.redisClient.SAdd(ctx, scheduler.TargetsKey, body).Err(); err != nil {
		return fmt.Errorf("failed to submit target: %w", err)
	}

	m.logger.Info("Successfully submitted mock target",
		zap.String("target_id", targetID),
		zap.String("language", m.language))
	return nil
}

func main() {
	help := flag.Bool("help", false, "Show help message")
	targetFile := flag.String("target", "", "Target source file, a built-in javascript demo when empty")
	language := flag.String("language", "javascript", "Target language")
	cancelID := flag.String("cancel", "", "Cancel the given target id instead of submitting one")
	flag.Parse()

	if *help {
		fmt.Println("Usage: mock [options]")
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			telemetry.NewTelemetry,
			logger.NewLogger,
			telemetry.NewTracerFactory,
			database.NewRedisClient,
			func(p mockParams) *mockApp {
				return &mockApp{
					redisClient:  p.RedisClient,
					logger:       p.Logger,
					traceFactory: p.TraceFactory,
					shutdowner:   p.Shutdowner,
					targetFile:   *targetFile,
					language:     *language,
					cancel:       *cancelID,
				}
			},
		),
		fx.Invoke(func(mock *mockApp) error {
			return mock.run()
		}),
	)

	app.Run()
}
