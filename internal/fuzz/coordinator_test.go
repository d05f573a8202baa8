package fuzz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fuzzcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	mu      sync.Mutex
	applied map[string]*types.FuzzResult
	failed  map[string]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{applied: map[string]*types.FuzzResult{}, failed: map[string]error{}}
}

func (s *recordingSink) ApplyResult(task *types.WorkerTask, result *types.FuzzResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[task.ID] = result
}

func (s *recordingSink) TaskFailed(task *types.WorkerTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[task.ID] = err
}

// flakyExecutor fails the first n executions with an infrastructure error
type flakyExecutor struct {
	failures atomic.Int32
	calls    atomic.Int32
}

func (e *flakyExecutor) SupportedLanguages() []string { return []string{"javascript"} }

func (e *flakyExecutor) Execute(ctx context.Context, target *types.FuzzTarget, input []byte) (*Outcome, error) {
	e.calls.Add(1)
	if e.failures.Add(-1) >= 0 {
		return nil, errors.New("executor lost its sandbox")
	}
	return &Outcome{Coverage: []string{"entry"}}, nil
}

func newTarget(id string, iterations int) *types.FuzzTarget {
	return &types.FuzzTarget{
		TargetID: id,
		Language: "javascript",
		Seeds:    []types.TargetSeed{{ID: id + "-seed", Content: []byte("seed")}},
		Limits:   types.Limits{Iterations: iterations, ExecTimeout: time.Second},
	}
}

func newTestCoordinator(t *testing.T, sink ResultSink, retries int, executors ...Executor) *Coordinator {
	t.Helper()
	registry := NewExecutorRegistry(ExecutorRegistryParams{Logger: zaptest.NewLogger(t), Executors: executors})
	c := NewCoordinator(registry, CoordinatorOptions{
		Workers:    2,
		MaxRetries: retries,
		Sink:       sink,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(c.Shutdown)
	return c
}

func TestCoordinatorRunsEveryTask(t *testing.T) {
	var executions atomic.Int32
	exec := NewFuncExecutor("javascript")
	for i := range 5 {
		exec.Handle(fmt.Sprintf("t%d", i), func(ctx context.Context, input []byte) ([]string, error) {
			executions.Add(1)
			return []string{fmt.Sprintf("len-%d", len(input))}, nil
		})
	}
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 1, exec)

	var targets []*types.FuzzTarget
	for i := range 5 {
		targets = append(targets, newTarget(fmt.Sprintf("t%d", i), 20))
	}
	ids, err := c.AddTargets(targets...)
	require.NoError(t, err)

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Len(t, res.Completed, 5)
	assert.Empty(t, res.Failed)
	assert.Equal(t, int32(100), executions.Load())

	for _, id := range ids {
		task, ok := c.Task(id)
		require.True(t, ok)
		assert.Equal(t, types.TaskCompleted, task.Status)
		require.Contains(t, sink.applied, id)
		assert.Equal(t, 20, sink.applied[id].Executions)
	}
}

func TestWorkerFaultIsRetried(t *testing.T) {
	exec := &flakyExecutor{}
	exec.failures.Store(2)
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 3, exec)

	ids, err := c.AddTargets(newTarget("flaky", 10))
	require.NoError(t, err)

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)

	task, _ := c.Task(ids[0])
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, 10, sink.applied[ids[0]].Executions)
	assert.Empty(t, sink.failed)
}

func TestWorkerFaultRetriesAreBounded(t *testing.T) {
	exec := &flakyExecutor{}
	exec.failures.Store(1000)
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 2, exec)

	ids, err := c.AddTargets(newTarget("broken", 10))
	require.NoError(t, err)

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Err(), ErrWorkerFault)

	task, _ := c.Task(ids[0])
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, int32(3), exec.calls.Load())
	assert.ErrorIs(t, sink.failed[ids[0]], ErrWorkerFault)
	assert.Empty(t, sink.applied)
}

func TestUnsupportedLanguageFailsWithoutRetry(t *testing.T) {
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 3, NewFuncExecutor("python"))

	target := newTarget("x", 5)
	target.Language = "cobol"
	ids, err := c.AddTargets(target)
	require.NoError(t, err)

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.NoError(t, res.Err())

	task, _ := c.Task(ids[0])
	assert.Equal(t, 0, task.Attempts)
	assert.ErrorIs(t, task.Err, ErrUnsupportedLanguage)
}

func TestCancelPendingTask(t *testing.T) {
	exec := NewFuncExecutor("javascript").
		Handle("keep", func(ctx context.Context, input []byte) ([]string, error) { return nil, nil }).
		Handle("drop", func(ctx context.Context, input []byte) ([]string, error) { return nil, nil })
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 1, exec)

	ids, err := c.AddTargets(newTarget("keep", 5), newTarget("drop", 5))
	require.NoError(t, err)
	require.True(t, c.Cancel(ids[1]))

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Completed, 1)
	require.Len(t, res.Failed, 1)

	assert.Contains(t, sink.applied, ids[0])
	assert.NotContains(t, sink.applied, ids[1])
	assert.ErrorIs(t, sink.failed[ids[1]], ErrTaskCanceled)
	assert.False(t, c.Cancel(ids[1]))
}

func TestCancelRunningTaskDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	exec := NewFuncExecutor("javascript").
		Handle("slow", func(ctx context.Context, input []byte) ([]string, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, nil
		})
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 1, exec)

	target := newTarget("slow", 1000)
	target.Limits.ExecTimeout = time.Minute
	ids, err := c.AddTargets(target)
	require.NoError(t, err)

	go func() {
		<-started
		c.Cancel(ids[0])
	}()

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Empty(t, sink.applied)
	assert.ErrorIs(t, sink.failed[ids[0]], ErrTaskCanceled)

	task, _ := c.Task(ids[0])
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Nil(t, task.Result)
}

func TestPauseBeforeStartDispatchesNothing(t *testing.T) {
	var executions atomic.Int32
	exec := NewFuncExecutor("javascript").
		Handle("p", func(ctx context.Context, input []byte) ([]string, error) {
			executions.Add(1)
			return nil, nil
		})
	c := newTestCoordinator(t, newRecordingSink(), 1, exec)
	ids, err := c.AddTargets(newTarget("p", 10))
	require.NoError(t, err)

	c.Pause()
	require.True(t, c.Paused())

	done := make(chan Results, 1)
	go func() {
		res, _ := c.Start(context.Background())
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), executions.Load())
	task, _ := c.Task(ids[0])
	assert.Equal(t, types.TaskPending, task.Status)

	c.Resume()
	select {
	case res := <-done:
		assert.Len(t, res.Completed, 1)
		assert.Equal(t, int32(10), executions.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not finish after resume")
	}
}

func TestPauseLetsRunningTaskFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var slowRuns, laterRuns atomic.Int32
	exec := NewFuncExecutor("javascript").
		Handle("slow", func(ctx context.Context, input []byte) ([]string, error) {
			slowRuns.Add(1)
			once.Do(func() {
				close(started)
				<-release
			})
			return nil, nil
		}).
		Handle("later", func(ctx context.Context, input []byte) ([]string, error) {
			laterRuns.Add(1)
			return nil, nil
		})
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 1, exec)
	ids, err := c.AddTargets(newTarget("slow", 5))
	require.NoError(t, err)

	done := make(chan Results, 1)
	go func() {
		res, _ := c.Start(context.Background())
		done <- res
	}()

	<-started
	c.Pause()
	later, err := c.AddTargets(newTarget("later", 5))
	require.NoError(t, err)
	close(release)

	// the in-flight task runs to completion while paused
	require.Eventually(t, func() bool {
		task, _ := c.Task(ids[0])
		return task.Status == types.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), slowRuns.Load())

	// nothing new is handed out
	time.Sleep(50 * time.Millisecond)
	task, _ := c.Task(later[0])
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, int32(0), laterRuns.Load())
	select {
	case <-done:
		t.Fatal("coordinator returned with a task still queued")
	default:
	}

	c.Resume()
	select {
	case res := <-done:
		assert.Len(t, res.Completed, 2)
		assert.Equal(t, int32(5), laterRuns.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("queue was not drained after resume")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.applied, 2)
}

func TestShutdownFailsQueuedTasks(t *testing.T) {
	sink := newRecordingSink()
	c := newTestCoordinator(t, sink, 1, NewFuncExecutor("javascript"))

	ids, err := c.AddTargets(newTarget("never", 5))
	require.NoError(t, err)

	c.Shutdown()
	assert.ErrorIs(t, sink.failed[ids[0]], ErrShutdown)

	_, err = c.AddTargets(newTarget("late", 5))
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestProgressIsReported(t *testing.T) {
	exec := NewFuncExecutor("javascript").
		Handle("busy", func(ctx context.Context, input []byte) ([]string, error) { return nil, nil })
	registry := NewExecutorRegistry(ExecutorRegistryParams{Logger: zaptest.NewLogger(t), Executors: []Executor{exec}})

	var mu sync.Mutex
	var last ProgressMsg
	c := NewCoordinator(registry, CoordinatorOptions{
		Workers: 1,
		Progress: func(m ProgressMsg) {
			mu.Lock()
			defer mu.Unlock()
			last = m
		},
	})
	t.Cleanup(c.Shutdown)

	ids, err := c.AddTargets(newTarget("busy", 200))
	require.NoError(t, err)
	_, err = c.Start(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids[0], last.TaskID)
	assert.Equal(t, 200, last.Executions)
}
