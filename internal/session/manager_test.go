package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fuzzcore/internal/constraint"
	"fuzzcore/internal/corpus"
	"fuzzcore/internal/fuzz"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/storage/badgerstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventCollector struct {
	mu     sync.Mutex
	events []types.ClusterEvent
	done   chan struct{}
}

func (c *eventCollector) RegisterEventChan(ctx context.Context, ch <-chan types.ClusterEvent) {
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
}

func (c *eventCollector) kinds() []types.ClusterEventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kinds []types.ClusterEventKind
	for _, ev := range c.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type seedCollector struct {
	mu   sync.Mutex
	msgs []types.SeedMessage
	done chan struct{}
}

func (c *seedCollector) RegisterSeedChan(ch <-chan types.SeedMessage) {
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for msg := range ch {
			c.mu.Lock()
			c.msgs = append(c.msgs, msg)
			c.mu.Unlock()
		}
	}()
}

func (c *seedCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func divideTarget(ctx context.Context, input []byte) ([]string, error) {
	if bytes.Contains(input, []byte("0")) {
		return nil, errors.New("runtime error: integer divide by zero")
	}
	return []string{fmt.Sprintf("len-%d", len(input))}, nil
}

func newRegistry(t *testing.T) (*fuzz.ExecutorRegistry, *fuzz.FuncExecutor) {
	exec := fuzz.NewFuncExecutor("go").Handle("div", divideTarget)
	return fuzz.NewExecutorRegistry(fuzz.ExecutorRegistryParams{
		Logger:    zaptest.NewLogger(t),
		Executors: []fuzz.Executor{exec},
	}), exec
}

func newTestManager(t *testing.T, deps Deps) *Manager {
	t.Helper()
	m := New(ManagerOptions{Logger: zaptest.NewLogger(t)}, deps)
	t.Cleanup(m.Close)
	return m
}

const jsThreshold = `function check(x) {
  if (x > 10) {
    return 1;
  }
  return 0;
}
`

func TestSubmitTargetSeedsFromAnalyzer(t *testing.T) {
	analyzer := constraint.NewAnalyzer(constraint.Options{Workers: 2, Logger: zaptest.NewLogger(t)})
	t.Cleanup(analyzer.Shutdown)
	seeds := &seedCollector{}
	m := newTestManager(t, Deps{Analyzer: analyzer, Seeds: seeds})
	ctx := context.Background()

	h, err := m.SubmitTarget(ctx, "check", jsThreshold, "js", Options{
		Seeds:            [][]byte{[]byte(`{"x": 1}`)},
		SeedFromAnalyzer: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "check", h.TargetID())

	stats := h.Stats()
	assert.Equal(t, 2, stats.SeedCount)
	assert.Equal(t, 1, stats.BySource[corpus.SourceManual])
	assert.Equal(t, 1, stats.BySource[corpus.SourceGenerated])

	target := h.Target(10)
	assert.Equal(t, "javascript", target.Language)
	assert.Contains(t, target.Dictionary, "10")
	assert.Len(t, target.Seeds, 2)

	m.Close()
	<-seeds.done
	assert.Equal(t, 2, seeds.count())
}

func TestSubmitTargetTwiceKeepsSession(t *testing.T) {
	m := newTestManager(t, Deps{})
	ctx := context.Background()

	_, err := m.SubmitTarget(ctx, "t", "", "python", Options{Seeds: [][]byte{[]byte("a")}})
	require.NoError(t, err)
	h, err := m.SubmitTarget(ctx, "t", "print(1)", "", Options{Seeds: [][]byte{[]byte("a"), []byte("b")}})
	require.NoError(t, err)

	assert.Equal(t, 2, h.Stats().SeedCount)
	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "python", infos[0].Language)
	assert.True(t, infos[0].Runnable)

	_, err = m.SubmitTarget(ctx, "", "x", "python", Options{})
	assert.Error(t, err)
}

func TestApplyResultClustersAndMinimizes(t *testing.T) {
	registry, exec := newRegistry(t)
	events := &eventCollector{}
	m := newTestManager(t, Deps{Registry: registry, Events: events})
	ctx := context.Background()

	_, err := m.SubmitTarget(ctx, "div", "func div()", "go", Options{Seeds: [][]byte{[]byte("12")}})
	require.NoError(t, err)
	handle, err := m.Session("div")
	require.NoError(t, err)
	seedID := handle.Target(1).Seeds[0].ID

	target := &types.FuzzTarget{TargetID: "div", Language: "go"}
	crashA, err := fuzz.Reproducer{Executor: exec, Target: target}.Reproduce(ctx, []byte("12305"))
	require.NoError(t, err)
	require.NotNil(t, crashA)
	crashB, err := fuzz.Reproducer{Executor: exec, Target: target}.Reproduce(ctx, []byte("90"))
	require.NoError(t, err)

	m.ApplyResult(&types.WorkerTask{ID: "task-1", Target: target}, &types.FuzzResult{
		TargetID:    "div",
		Executions:  10,
		Crashes:     []types.CrashInfo{*crashA, *crashB},
		SeedUpdates: []types.SeedUpdate{{SeedID: seedID, Executions: 10, Coverage: []string{"len-2"}}},
		NewInputs:   []types.NewInput{{ParentID: seedID, Content: []byte("123"), Coverage: []string{"len-3"}}},
	})

	clusters, err := m.GetClusters("div")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].Count)

	require.Eventually(t, func() bool {
		clusters, _ := m.GetClusters("div")
		return clusters[0].Minimized != nil
	}, 5*time.Second, 10*time.Millisecond)

	clusters, _ = m.GetClusters("div")
	assert.Equal(t, []byte("0"), clusters[0].Minimized.Input)
	assert.Equal(t, 80.0, clusters[0].Minimized.ReductionPercent)

	report, err := m.ExportCluster(clusters[0].Fingerprint.Hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), report.Minimized.Input)
	_, err = m.ExportCluster("missing")
	assert.ErrorIs(t, err, ErrClusterNotFound)

	stats, err := m.GetCorpusStats("div")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BySource[corpus.SourceMutated])
	assert.Equal(t, 1, stats.BySource[corpus.SourceMinimized])

	m.Close()
	<-events.done
	assert.Equal(t, []types.ClusterEventKind{types.ClusterCreated, types.ClusterUpdated, types.ClusterMinimized}, events.kinds())
}

func TestOracleOverridesReexecution(t *testing.T) {
	m := newTestManager(t, Deps{})
	ctx := context.Background()

	oracle := func(ctx context.Context, input []byte) (bool, error) {
		return bytes.Contains(input, []byte("!")), nil
	}
	_, err := m.SubmitTarget(ctx, "o", "", "python", Options{Oracle: oracle})
	require.NoError(t, err)

	m.ApplyResult(&types.WorkerTask{ID: "t"}, &types.FuzzResult{
		TargetID: "o",
		Crashes:  []types.CrashInfo{{ID: "c", Signal: "6", StackTrace: "abort", Input: []byte("abc!def")}},
	})

	require.Eventually(t, func() bool {
		clusters, _ := m.GetClusters("o")
		return len(clusters) == 1 && clusters[0].Minimized != nil
	}, 5*time.Second, 10*time.Millisecond)
	clusters, _ := m.GetClusters("o")
	assert.Equal(t, []byte("!"), clusters[0].Minimized.Input)
}

func TestTaskFailedRecordsWorkerFaults(t *testing.T) {
	m := newTestManager(t, Deps{})
	h, err := m.SubmitTarget(context.Background(), "f", "code", "python", Options{})
	require.NoError(t, err)
	task := &types.WorkerTask{ID: "t", Target: &types.FuzzTarget{TargetID: "f"}}

	m.TaskFailed(task, fuzz.ErrTaskCanceled)
	assert.NoError(t, h.Err())

	m.TaskFailed(task, fmt.Errorf("%w: executor died", fuzz.ErrWorkerFault))
	err = h.Err()
	assert.ErrorIs(t, err, fuzz.ErrWorkerFault)
	assert.NoError(t, h.Err())
}

func TestExportImportCorpus(t *testing.T) {
	src := newTestManager(t, Deps{})
	ctx := context.Background()
	_, err := src.SubmitTarget(ctx, "t", "code", "python", Options{Seeds: [][]byte{[]byte("a"), []byte("b")}})
	require.NoError(t, err)

	data, err := src.ExportCorpus("t")
	require.NoError(t, err)

	dst := newTestManager(t, Deps{})
	h, err := dst.ImportCorpus(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "t", h.TargetID())
	assert.Equal(t, 2, h.Stats().SeedCount)
	assert.False(t, dst.Sessions()[0].Runnable)

	_, err = dst.ExportCorpus("unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = dst.ImportCorpus(ctx, []byte("not a snapshot"))
	assert.Error(t, err)
}

func TestPersistAllAndResume(t *testing.T) {
	kv, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer kv.Close()
	persister := corpus.NewKVPersister(kv)
	ctx := context.Background()

	first := New(ManagerOptions{Logger: zaptest.NewLogger(t)}, Deps{Persister: persister, Archiver: persister})
	_, err = first.SubmitTarget(ctx, "r", "code", "python", Options{Seeds: [][]byte{[]byte("a"), []byte("b"), []byte("c")}})
	require.NoError(t, err)
	require.NoError(t, first.PersistAll(ctx))
	first.Close()

	second := newTestManager(t, Deps{Persister: persister, Archiver: persister})
	h, err := second.SubmitTarget(ctx, "r", "code", "python", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Stats().SeedCount)
}

func TestCloseSession(t *testing.T) {
	m := newTestManager(t, Deps{})
	_, err := m.SubmitTarget(context.Background(), "c", "code", "python", Options{})
	require.NoError(t, err)

	assert.True(t, m.CloseSession("c"))
	assert.False(t, m.CloseSession("c"))
	_, err = m.GetCorpusStats("c")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	m.Close()
	_, err = m.SubmitTarget(context.Background(), "c", "code", "python", Options{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewInputsCountNoExecutions(t *testing.T) {
	m := newTestManager(t, Deps{})
	ctx := context.Background()
	_, err := m.SubmitTarget(ctx, "t", "", "go", Options{Seeds: [][]byte{[]byte("12")}})
	require.NoError(t, err)

	m.ApplyResult(&types.WorkerTask{ID: "task-1"}, &types.FuzzResult{
		TargetID:   "t",
		Executions: 7,
		NewInputs:  []types.NewInput{{Content: []byte("found"), Coverage: []string{"deep"}}},
	})

	s, err := m.session("t")
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	seed, ok := s.corpus.Seed(corpus.ContentHash([]byte("found")))
	require.True(t, ok)
	assert.Zero(t, seed.ExecutionCount)
	assert.Equal(t, []string{"deep"}, seed.Coverage)
	assert.Contains(t, s.corpus.Coverage(), "deep")
}

func TestBlockedEventSendDoesNotHoldManagerLock(t *testing.T) {
	m := New(ManagerOptions{Logger: zaptest.NewLogger(t)}, Deps{})
	events := make(chan types.ClusterEvent)
	m.events = events

	_, err := m.SubmitTarget(context.Background(), "t", "", "go", Options{})
	require.NoError(t, err)

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		m.emit(types.ClusterEvent{TargetID: "t", Kind: types.ClusterCreated})
	}()
	time.Sleep(20 * time.Millisecond)

	// nobody reads events, yet writers of the session table proceed
	closed := make(chan bool, 1)
	go func() { closed <- m.CloseSession("t") }()
	select {
	case ok := <-closed:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("CloseSession blocked behind a pending event send")
	}

	m.Close()
	<-sent
	_, open := <-events
	assert.False(t, open)
}
