package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type AppConfig struct {
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	StorageBackend     string // badger (default) or redis
	BadgerPath         string
	CrashFolder        string
	SeedFolder         string
	SeedDropDir        string
	ExecutorsFile      string
	LogLevel           string
	ServiceName        string
	MetricsAddr        string
	TelemetryEnabled   bool
	SchedulerConfig    SchedulerConfig
	FuzzConfig         FuzzConfig
	CorpusConfig       CorpusConfig
}

type SchedulerConfig struct {
	SchedulingInterval time.Duration `mapstructure:"scheduling_interval"`
	TasksPerBatch      int           `mapstructure:"tasks_per_batch"`
}

type FuzzConfig struct {
	WorkerCount       int           `mapstructure:"worker_count"`
	MaxTaskRetries    int           `mapstructure:"max_task_retries"`
	ExecTimeout       time.Duration `mapstructure:"exec_timeout"`
	MemoryLimitMB     int           `mapstructure:"memory_limit_mb"`
	IterationsPerTask int           `mapstructure:"iterations_per_task"`
}

type CorpusConfig struct {
	Capacity           int `mapstructure:"capacity"`
	PromoteCrashes     int `mapstructure:"promote_crashes"`
	PromoteUniqueUnits int `mapstructure:"promote_unique_units"`
	SeedsPerTask       int `mapstructure:"seeds_per_task"`
}

// HasRedis reports whether any redis endpoint is configured
func (c *AppConfig) HasRedis() bool {
	return c.RedisUrl != "" || (c.RedisSentinelHosts != "" && c.RedisMasterName != "")
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	godotenv.Load()

	config := &AppConfig{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER"),
		RedisUrl:           os.Getenv("OVERRIDE_REDIS_URL"), // optional, for local dev
		StorageBackend:     os.Getenv("STORAGE_BACKEND"),
		BadgerPath:         os.Getenv("BADGER_PATH"),
		CrashFolder:        os.Getenv("CRASH_FOLDER"),
		SeedFolder:         os.Getenv("SEED_FOLDER"),
		SeedDropDir:        os.Getenv("SEED_DROP_DIR"), // optional, watched for manual seeds
		ExecutorsFile:      os.Getenv("EXECUTORS_FILE"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		ServiceName:        os.Getenv("SERVICE_NAME"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		TelemetryEnabled:   parseBool(os.Getenv("TELEMETRY_ENABLED"), false),
		SchedulerConfig: SchedulerConfig{
			SchedulingInterval: parseDuration(os.Getenv("SCHEDULER_INTERVAL"), 2*time.Minute),
			TasksPerBatch:      parseInt(os.Getenv("SCHEDULER_TASKS_PER_BATCH"), 5),
		},
		FuzzConfig: FuzzConfig{
			WorkerCount:       parseInt(os.Getenv("WORKER_COUNT"), max(runtime.NumCPU()-1, 1)),
			MaxTaskRetries:    parseInt(os.Getenv("MAX_TASK_RETRIES"), 3),
			ExecTimeout:       parseDuration(os.Getenv("EXEC_TIMEOUT"), 5*time.Second),
			MemoryLimitMB:     parseInt(os.Getenv("MEMORY_LIMIT_MB"), 2048),
			IterationsPerTask: parseInt(os.Getenv("ITERATIONS_PER_TASK"), 500),
		},
		CorpusConfig: CorpusConfig{
			Capacity:           parseInt(os.Getenv("CORPUS_CAPACITY"), 4096),
			PromoteCrashes:     parseInt(os.Getenv("CORPUS_PROMOTE_CRASHES"), 3),
			PromoteUniqueUnits: parseInt(os.Getenv("CORPUS_PROMOTE_UNIQUE_UNITS"), 5),
			SeedsPerTask:       parseInt(os.Getenv("CORPUS_SEEDS_PER_TASK"), 32),
		},
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "fuzzcore" // Default service name
	}
	if config.StorageBackend == "" {
		config.StorageBackend = "badger"
	}
	if config.BadgerPath == "" {
		config.BadgerPath = "/tmp/fuzzcore/badger"
	}
	if config.CrashFolder == "" {
		config.CrashFolder = "/tmp/fuzzcore/crashes"
	}
	if config.SeedFolder == "" {
		config.SeedFolder = "/tmp/fuzzcore/seeds"
	}
	if config.FuzzConfig.WorkerCount < 1 {
		logger.Warn("WORKER_COUNT must be positive, falling back to 1",
			zap.Int("worker_count", config.FuzzConfig.WorkerCount))
		config.FuzzConfig.WorkerCount = 1
	}

	if config.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, crash records will not be stored")
	}
	if config.RabbitMQURL == "" {
		logger.Info("RABBITMQ_URL not set, crash and seed notifications are disabled")
	}
	if !config.HasRedis() {
		logger.Info("no redis configured, target submissions and dictionaries are disabled")
	}

	return config
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return defaultVal
	}
	return b
}
