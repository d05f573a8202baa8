package scheduler

import (
	"context"
	"errors"
	"time"

	"fuzzcore/config"
	"fuzzcore/internal/dict"
	"fuzzcore/internal/fuzz"
	"fuzzcore/internal/session"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errNoTargets = errors.New("no runnable targets")

const retryDelay = 10 * time.Second

// Scheduler runs epochs: pick a batch of sessions, run one task per session on the
// coordinator, then evolve and persist the picked corpora
type Scheduler struct {
	redisClient *redis.Client
	dicts       *dict.DictGrabber
	tracers     *telemetry.TracerFactory
	manager     *session.Manager
	coordinator *fuzz.Coordinator
	picker      *picker
	logger      *zap.Logger

	epochTimeout time.Duration
	batch        int
	seedsPerTask int

	submitted map[string]string // target id -> digest of the submission in redis
	carried   map[string]string // target id -> task left pending by a timed out epoch

	done chan struct{}
}

type SchedulerParams struct {
	fx.In

	Lc          fx.Lifecycle
	RedisClient *redis.Client            `optional:"true"`
	Dicts       *dict.DictGrabber        `optional:"true"`
	Tracers     *telemetry.TracerFactory `optional:"true"`
	Logger      *zap.Logger
	Manager     *session.Manager
	Coordinator *fuzz.Coordinator
	AppConfig   *config.AppConfig
}

func NewScheduler(params SchedulerParams) *Scheduler {
	scheduler := newScheduler(params.Manager, params.Coordinator, params.AppConfig, params.Logger)
	scheduler.redisClient = params.RedisClient
	scheduler.dicts = params.Dicts
	scheduler.tracers = params.Tracers

	schedulerCtx, cancel := context.WithCancel(context.Background())

	params.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go scheduler.start(schedulerCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-scheduler.done
			return nil
		},
	})
	return scheduler
}

func newScheduler(manager *session.Manager, coordinator *fuzz.Coordinator, cfg *config.AppConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		manager:      manager,
		coordinator:  coordinator,
		picker:       NewPicker(nil),
		logger:       logger.Named("scheduler"),
		epochTimeout: cfg.SchedulerConfig.SchedulingInterval,
		batch:        max(cfg.SchedulerConfig.TasksPerBatch, 1),
		seedsPerTask: cfg.CorpusConfig.SeedsPerTask,
		submitted:    make(map[string]string),
		carried:      make(map[string]string),
		done:         make(chan struct{}),
	}
}

type CoordinatorParams struct {
	fx.In

	Lc        fx.Lifecycle
	Registry  *fuzz.ExecutorRegistry
	Manager   *session.Manager
	AppConfig *config.AppConfig
	Logger    *zap.Logger
}

// NewCoordinator wires the coordinator to deliver its results to the session manager
func NewCoordinator(p CoordinatorParams) *fuzz.Coordinator {
	logger := p.Logger.Named("coordinator")
	c := fuzz.NewCoordinator(p.Registry, fuzz.CoordinatorOptions{
		Workers:    p.AppConfig.FuzzConfig.WorkerCount,
		MaxRetries: p.AppConfig.FuzzConfig.MaxTaskRetries,
		Sink:       p.Manager,
		Progress: func(msg fuzz.ProgressMsg) {
			logger.Debug("task progress",
				zap.String("task_id", msg.TaskID),
				zap.Int("executions", msg.Executions),
				zap.Int("crashes", msg.Crashes))
		},
		Logger: logger,
	})
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			c.Shutdown()
			return nil
		},
	})
	return c
}

// starts a loop to step epochs
func (s *Scheduler) start(ctx context.Context) {
	defer close(s.done)
	var err error
	for {
		var delay time.Duration
		if err != nil {
			delay = retryDelay
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context done, stopping scheduler")
			return
		case <-time.After(delay):
			err = s.stepEpoch(ctx)
			if err != nil && !errors.Is(err, errNoTargets) && ctx.Err() == nil {
				s.logger.Warn("epoch failed", zap.Error(err))
			}
		}
	}
}

// run an epoch (blocking)
func (s *Scheduler) stepEpoch(ctx context.Context) error {
	if err := s.syncSubmissions(ctx); err != nil {
		s.logger.Warn("target submissions not available", zap.Error(err))
	}

	s.refreshCarried()
	var candidates []session.Info
	for _, info := range s.manager.Sessions() {
		if _, pending := s.carried[info.TargetID]; info.Runnable && !pending {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 && len(s.carried) == 0 {
		return errNoTargets
	}

	picked := s.picker.pick(candidates, s.batch)
	targets := make([]*types.FuzzTarget, 0, len(picked))
	for _, info := range picked {
		handle, err := s.manager.Session(info.TargetID)
		if err != nil {
			continue
		}
		targets = append(targets, handle.Target(s.seedsPerTask))
	}
	taskIDs, err := s.coordinator.AddTargets(targets...)
	if err != nil {
		return err
	}
	for i, id := range taskIDs {
		s.carried[targets[i].TargetID] = id
	}

	epochCtx := ctx
	if s.epochTimeout > 0 {
		var cancel context.CancelFunc
		epochCtx, cancel = context.WithTimeout(ctx, s.epochTimeout)
		defer cancel()
	}
	start := time.Now()
	results, err := s.coordinator.Start(epochCtx)
	s.logger.Info("epoch finished",
		zap.Int("picked", len(targets)),
		zap.Int("completed", len(results.Completed)),
		zap.Int("failed", len(results.Failed)),
		zap.Duration("elapsed", time.Since(start)))
	if faults := results.Err(); faults != nil {
		s.logger.Warn("tasks failed after retries", zap.Error(faults))
	}
	if (err != nil && ctx.Err() != nil) || errors.Is(err, fuzz.ErrShutdown) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("epoch deadline reached, unfinished tasks carried over")
	}

	s.refreshCarried()
	s.coordinator.Prune()
	for _, info := range picked {
		em, err := s.manager.Evolve(ctx, info.TargetID)
		if err != nil {
			s.logger.Warn("corpus evolution failed", zap.String("target_id", info.TargetID), zap.Error(err))
			continue
		}
		s.logger.Debug("corpus evolved",
			zap.String("target_id", info.TargetID),
			zap.Int("generation", em.GenerationNumber),
			zap.Int("pruned", em.Pruned),
			zap.Int("promoted", em.Promoted),
			zap.Float64("new_coverage_percent", em.NewCoveragePercent))
	}
	return s.manager.PersistAll(ctx)
}

// refreshCarried drops tasks that are no longer pending or running
func (s *Scheduler) refreshCarried() {
	for targetID, taskID := range s.carried {
		task, ok := s.coordinator.Task(taskID)
		if !ok || task.Status == types.TaskCompleted || task.Status == types.TaskFailed {
			delete(s.carried, targetID)
		}
	}
}
