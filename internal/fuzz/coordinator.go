package fuzz

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"fuzzcore/internal/types"
	"fuzzcore/pkg/metrics"
	"fuzzcore/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Message is what a worker reports about its current task. A task produces any number
// of ProgressMsg followed by exactly one ResultMsg or ErrorMsg.
type Message interface {
	taskID() string
}

type ProgressMsg struct {
	TaskID     string
	Executions int
	Crashes    int
}

type ResultMsg struct {
	TaskID string
	Result *types.FuzzResult
}

// ErrorMsg ends a task without a result. Fault marks a worker fault: the worker is gone
// and the task may be retried.
type ErrorMsg struct {
	TaskID string
	Err    error
	Fault  bool
}

func (m ProgressMsg) taskID() string { return m.TaskID }
func (m ResultMsg) taskID() string   { return m.TaskID }
func (m ErrorMsg) taskID() string    { return m.TaskID }

// ResultSink receives terminal tasks. Calls are never concurrent.
type ResultSink interface {
	ApplyResult(task *types.WorkerTask, result *types.FuzzResult)
	TaskFailed(task *types.WorkerTask, err error)
}

type CoordinatorOptions struct {
	Workers    int // default NumCPU-1, at least 1
	MaxRetries int // worker faults tolerated per task before it fails
	Sink       ResultSink
	Progress   func(ProgressMsg)
	Logger     *zap.Logger
}

// Results lists the tasks that reached a terminal state during one Start
type Results struct {
	Completed []*types.WorkerTask
	Failed    []*types.WorkerTask
	faults    *multierror.Error
}

// Err aggregates the tasks that failed after exhausting their retries
func (r Results) Err() error {
	return r.faults.ErrorOrNil()
}

type envelope struct {
	w   *worker
	msg Message
}

type assignment struct {
	task *types.WorkerTask
	ctx  context.Context
}

type worker struct {
	id     int
	assign chan assignment
	out    chan Message
}

type running struct {
	task    *types.WorkerTask
	cancel  context.CancelFunc
	started time.Time
}

// Coordinator runs WorkerTasks on a fixed pool of workers. Every state transition of a
// task happens on the goroutine running Start.
type Coordinator struct {
	registry   *ExecutorRegistry
	sink       ResultSink
	onProgress func(ProgressMsg)
	workers    int
	maxRetries int
	logger     *zap.Logger

	mu       sync.Mutex
	queue    []*types.WorkerTask
	tasks    map[string]*types.WorkerTask
	running  map[string]*running
	canceled map[string]bool
	paused   bool
	shutdown bool
	started  bool
	stop     context.CancelFunc
	wake     chan struct{}
	done     chan struct{}
}

func NewCoordinator(registry *ExecutorRegistry, opts CoordinatorOptions) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU()-1, 1)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		registry:   registry,
		sink:       opts.Sink,
		onProgress: opts.Progress,
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		tasks:      make(map[string]*types.WorkerTask),
		running:    make(map[string]*running),
		canceled:   make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
}

func (c *Coordinator) Workers() int {
	return c.workers
}

// AddTargets queues one pending task per target and returns the task ids
func (c *Coordinator) AddTargets(targets ...*types.FuzzTarget) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, ErrShutdown
	}
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		task := &types.WorkerTask{
			ID:     uuid.NewString(),
			Target: target,
			Status: types.TaskPending,
		}
		c.tasks[task.ID] = task
		c.queue = append(c.queue, task)
		ids = append(ids, task.ID)
	}
	metrics.QueueDepth.Set(float64(len(c.queue)))
	c.notify()
	return ids, nil
}

// Task returns a copy of the task's current state
func (c *Coordinator) Task(id string) (types.WorkerTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return types.WorkerTask{}, false
	}
	return *task, true
}

// Prune forgets completed and failed tasks and returns how many were dropped
func (c *Coordinator) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, task := range c.tasks {
		if task.Status == types.TaskCompleted || task.Status == types.TaskFailed {
			delete(c.tasks, id)
			delete(c.canceled, id)
			n++
		}
	}
	return n
}

// Pause stops dispatching queued tasks. Tasks already running finish normally.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.logger.Info("coordinator paused")
}

func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.notify()
	c.mu.Unlock()
	c.logger.Info("coordinator resumed")
}

func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Cancel stops a task. A pending task never runs; a running one is interrupted and any
// result it still delivers is discarded. The task fails with ErrTaskCanceled. Returns
// false when the task is unknown or already terminal.
func (c *Coordinator) Cancel(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status == types.TaskCompleted || task.Status == types.TaskFailed {
		return false
	}
	c.canceled[taskID] = true
	if r, ok := c.running[taskID]; ok {
		r.cancel()
	}
	c.notify()
	return true
}

// Shutdown stops a running Start and fails every unfinished task with ErrShutdown. It
// blocks until the workers are gone.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	stop, done := c.stop, c.done
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	c.failQueued(ErrShutdown)
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start runs queued tasks until none is pending or running, and returns the tasks that
// finished meanwhile. Tasks added while Start runs are picked up. When ctx ends, tasks
// still in flight go back to pending and ctx.Err() is returned.
func (c *Coordinator) Start(ctx context.Context) (Results, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return Results{}, ErrShutdown
	}
	if c.started {
		c.mu.Unlock()
		return Results{}, errors.New("coordinator already started")
	}
	ctx, stop := context.WithCancel(ctx)
	c.started, c.stop, c.done = true, stop, make(chan struct{})
	c.mu.Unlock()

	tracer := telemetry.FromContext(ctx).Spawn("fuzz batch").
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
			WithExtraAttribute("workers", c.workers))
	tracer.Start()

	res, err := c.loop(ctx)

	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
		WithExtraAttribute("completed", len(res.Completed)).
		WithExtraAttribute("failed", len(res.Failed)))
	tracer.End()

	c.mu.Lock()
	shutdown := c.shutdown
	c.mu.Unlock()
	if shutdown {
		c.failQueued(ErrShutdown)
		err = ErrShutdown
	}

	c.mu.Lock()
	c.started, c.stop = false, nil
	close(c.done)
	c.mu.Unlock()
	return res, err
}

func (c *Coordinator) loop(ctx context.Context) (Results, error) {
	var res Results
	inbox := make(chan envelope)
	var wg sync.WaitGroup

	spawn := func(id int) *worker {
		w := &worker{id: id, assign: make(chan assignment, 1), out: make(chan Message)}
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.runWorker(ctx, w)
		}()
		// fan-in: forward until the worker closes its channel
		go func() {
			defer wg.Done()
			for msg := range w.out {
				select {
				case inbox <- envelope{w, msg}:
				case <-ctx.Done():
					// drain so the worker can exit
				}
			}
		}()
		return w
	}

	idle := make([]*worker, 0, c.workers)
	for i := range c.workers {
		idle = append(idle, spawn(i))
	}
	busy := make(map[*worker]string)

	defer func() {
		for _, w := range idle {
			close(w.assign)
		}
		for w := range busy {
			close(w.assign)
		}
		wg.Wait()
	}()

	for {
		idle = c.dispatch(ctx, idle, busy, &res)
		if len(busy) == 0 && c.pending() == 0 {
			return res, nil
		}

		select {
		case <-ctx.Done():
			c.requeueRunning()
			return res, ctx.Err()
		case <-c.wake:
			c.applyCancellations(&res)
		case env := <-inbox:
			switch msg := env.msg.(type) {
			case ProgressMsg:
				if c.onProgress != nil && !c.isCanceled(msg.TaskID) {
					c.onProgress(msg)
				}
			case ResultMsg:
				delete(busy, env.w)
				idle = append(idle, env.w)
				c.complete(msg, &res)
			case ErrorMsg:
				delete(busy, env.w)
				if msg.Fault {
					// the worker exited, replace it
					metrics.WorkerFaults.Inc()
					idle = append(idle, spawn(env.w.id))
				} else {
					idle = append(idle, env.w)
				}
				c.fail(msg, &res)
			}
		}
	}
}

func (c *Coordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Coordinator) isCanceled(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled[taskID]
}

// dispatch hands queued tasks to idle workers and returns the workers left idle. Nothing
// is handed out while paused.
func (c *Coordinator) dispatch(ctx context.Context, idle []*worker, busy map[*worker]string, res *Results) []*worker {
	c.applyCancellations(res)

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.paused && len(idle) > 0 && len(c.queue) > 0 {
		task := c.queue[0]
		c.queue = c.queue[1:]
		w := idle[len(idle)-1]
		idle = idle[:len(idle)-1]

		taskCtx, cancel := context.WithCancel(ctx)
		task.Status = types.TaskRunning
		c.running[task.ID] = &running{task: task, cancel: cancel, started: time.Now()}
		busy[w] = task.ID
		w.assign <- assignment{task: task, ctx: taskCtx}

		c.logger.Debug("task dispatched",
			zap.String("task_id", task.ID),
			zap.String("target_id", task.Target.TargetID),
			zap.Int("worker", w.id),
			zap.Int("attempt", task.Attempts+1))
	}
	metrics.QueueDepth.Set(float64(len(c.queue)))
	return idle
}

// applyCancellations fails canceled tasks that are still queued. Running ones are failed
// when their worker reports back.
func (c *Coordinator) applyCancellations(res *Results) {
	c.mu.Lock()
	var failed []*types.WorkerTask
	kept := c.queue[:0]
	for _, task := range c.queue {
		if c.canceled[task.ID] {
			c.markFailed(task, ErrTaskCanceled)
			failed = append(failed, task)
			continue
		}
		kept = append(kept, task)
	}
	c.queue = kept
	metrics.QueueDepth.Set(float64(len(c.queue)))
	c.mu.Unlock()

	for _, task := range failed {
		res.Failed = append(res.Failed, task)
		if c.sink != nil {
			c.sink.TaskFailed(task, ErrTaskCanceled)
		}
	}
}

func (c *Coordinator) complete(msg ResultMsg, res *Results) {
	c.mu.Lock()
	r, ok := c.running[msg.TaskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.running, msg.TaskID)
	r.cancel()
	task := r.task
	if c.canceled[task.ID] {
		// late result of a canceled task, never merged
		c.markFailed(task, ErrTaskCanceled)
		c.mu.Unlock()
		c.logger.Debug("discarding result of canceled task", zap.String("task_id", task.ID))
		res.Failed = append(res.Failed, task)
		if c.sink != nil {
			c.sink.TaskFailed(task, ErrTaskCanceled)
		}
		return
	}
	task.Status = types.TaskCompleted
	task.Result = msg.Result
	task.Err = nil
	c.mu.Unlock()

	metrics.TaskOutcomes.WithLabelValues(string(types.TaskCompleted)).Inc()
	metrics.TaskDuration.Observe(time.Since(r.started).Seconds())
	c.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("target_id", task.Target.TargetID),
		zap.Int("executions", msg.Result.Executions),
		zap.Int("crashes", len(msg.Result.Crashes)),
		zap.Int("new_inputs", len(msg.Result.NewInputs)))

	res.Completed = append(res.Completed, task)
	if c.sink != nil {
		c.sink.ApplyResult(task, msg.Result)
	}
}

func (c *Coordinator) fail(msg ErrorMsg, res *Results) {
	c.mu.Lock()
	r, ok := c.running[msg.TaskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.running, msg.TaskID)
	r.cancel()
	task := r.task

	err := msg.Err
	switch {
	case c.canceled[task.ID]:
		err = ErrTaskCanceled
	case msg.Fault:
		task.Attempts++
		if task.Attempts <= c.maxRetries {
			// back to pending, another worker picks it up
			task.Status = types.TaskPending
			task.Err = msg.Err
			c.queue = append(c.queue, task)
			metrics.QueueDepth.Set(float64(len(c.queue)))
			c.mu.Unlock()
			c.logger.Warn("worker fault, task requeued",
				zap.String("task_id", task.ID),
				zap.Int("attempts", task.Attempts),
				zap.Error(msg.Err))
			return
		}
		err = fmt.Errorf("task %s failed after %d attempts: %w", task.ID, task.Attempts, msg.Err)
		res.faults = multierror.Append(res.faults, err)
	}
	c.markFailed(task, err)
	c.mu.Unlock()

	c.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("target_id", task.Target.TargetID),
		zap.Error(err))
	res.Failed = append(res.Failed, task)
	if c.sink != nil {
		c.sink.TaskFailed(task, err)
	}
}

// markFailed must be called with c.mu held
func (c *Coordinator) markFailed(task *types.WorkerTask, err error) {
	task.Status = types.TaskFailed
	task.Err = err
	task.Result = nil
	metrics.TaskOutcomes.WithLabelValues(string(types.TaskFailed)).Inc()
}

func (c *Coordinator) requeueRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.running {
		r.cancel()
		r.task.Status = types.TaskPending
		c.queue = append(c.queue, r.task)
		delete(c.running, id)
	}
	metrics.QueueDepth.Set(float64(len(c.queue)))
}

func (c *Coordinator) failQueued(err error) {
	c.mu.Lock()
	failed := c.queue
	c.queue = nil
	for _, task := range failed {
		c.markFailed(task, err)
	}
	metrics.QueueDepth.Set(0)
	c.mu.Unlock()

	for _, task := range failed {
		if c.sink != nil {
			c.sink.TaskFailed(task, err)
		}
	}
}

// runWorker executes assignments until its channel closes or a fault kills it
func (c *Coordinator) runWorker(ctx context.Context, w *worker) {
	defer close(w.out)
	for a := range w.assign {
		msg := c.runTask(a, w)
		select {
		case w.out <- msg:
		case <-ctx.Done():
			return
		}
		if e, ok := msg.(ErrorMsg); ok && e.Fault {
			return
		}
	}
}

func (c *Coordinator) runTask(a assignment, w *worker) (msg Message) {
	task := a.task
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker panicked",
				zap.Int("worker", w.id),
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			msg = ErrorMsg{TaskID: task.ID, Err: fmt.Errorf("%w: panic: %v", ErrWorkerFault, r), Fault: true}
		}
	}()

	executor, err := c.registry.Lookup(task.Target.Language)
	if err != nil {
		return ErrorMsg{TaskID: task.ID, Err: err}
	}
	logger := c.logger.With(zap.String("task_id", task.ID), zap.Int("worker", w.id))
	runner := NewRunner(executor, task.Target, uint64(time.Now().UnixNano()), logger).
		WithProgress(func(executions, crashes int) {
			select {
			case w.out <- ProgressMsg{TaskID: task.ID, Executions: executions, Crashes: crashes}:
			case <-a.ctx.Done():
			}
		})

	result, err := runner.Run(a.ctx)
	if err != nil {
		return ErrorMsg{TaskID: task.ID, Err: err, Fault: errors.Is(err, ErrWorkerFault)}
	}
	return ResultMsg{TaskID: task.ID, Result: result}
}
