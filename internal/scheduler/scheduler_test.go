package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"fuzzcore/config"
	"fuzzcore/internal/fuzz"
	"fuzzcore/internal/session"
	"fuzzcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPickIsDistinct(t *testing.T) {
	p := NewPicker(rand.New(rand.NewPCG(1, 2)))
	sessions := []session.Info{
		{TargetID: "a", Language: "python", AvgEnergy: 10},
		{TargetID: "b", Language: "python", AvgEnergy: 1},
		{TargetID: "c", Language: "javascript", Executions: 1_000_000},
		{TargetID: "d", Language: "go"},
	}

	for range 50 {
		picked := p.pick(sessions, 3)
		require.Len(t, picked, 3)
		seen := map[string]bool{}
		for _, s := range picked {
			assert.False(t, seen[s.TargetID])
			seen[s.TargetID] = true
		}
	}
	assert.Len(t, p.pick(sessions, 10), 4)
}

func TestBalance(t *testing.T) {
	assert.Equal(t, []float64{0.25, 0.75}, balance([]float64{1, 3}))
	assert.Equal(t, []float64{0.5, 0.5}, balance([]float64{0, 0}))
}

func TestFactors(t *testing.T) {
	sessions := []session.Info{
		{TargetID: "a", Language: "python", Seeds: 2, AvgEnergy: 4},
		{TargetID: "b", Language: "python", Executions: 10000},
		{TargetID: "c", Language: "go"},
	}
	assert.Equal(t, []float64{4, 1, 1}, (&EnergyFactor{}).Score(sessions))
	assert.Equal(t, []float64{1, 0.5, 1}, (&ExplorationFactor{}).Score(sessions))
	assert.Equal(t, []float64{0.5, 0.5, 1}, (&LanguageFactor{}).Score(sessions))
}

func TestStepEpoch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	exec := fuzz.NewFuncExecutor("go").
		Handle("len", func(ctx context.Context, input []byte) ([]string, error) {
			if len(input) > 8 {
				return nil, errors.New("input too long")
			}
			return []string{"ok"}, nil
		})
	registry := fuzz.NewExecutorRegistry(fuzz.ExecutorRegistryParams{Logger: logger, Executors: []fuzz.Executor{exec}})

	manager := session.New(session.ManagerOptions{
		DefaultLimits: types.Limits{Iterations: 50},
		Logger:        logger,
	}, session.Deps{Registry: registry})
	t.Cleanup(manager.Close)
	coordinator := fuzz.NewCoordinator(registry, fuzz.CoordinatorOptions{Workers: 2, Sink: manager, Logger: logger})

	cfg := &config.AppConfig{
		SchedulerConfig: config.SchedulerConfig{TasksPerBatch: 2},
		CorpusConfig:    config.CorpusConfig{SeedsPerTask: 4},
	}
	s := newScheduler(manager, coordinator, cfg, logger)
	ctx := context.Background()

	assert.ErrorIs(t, s.stepEpoch(ctx), errNoTargets)

	_, err := manager.SubmitTarget(ctx, "len", "code", "go", session.Options{Seeds: [][]byte{[]byte("seed")}})
	require.NoError(t, err)
	// not runnable without code
	_, err = manager.SubmitTarget(ctx, "idle", "", "go", session.Options{})
	require.NoError(t, err)

	require.NoError(t, s.stepEpoch(ctx))

	for _, info := range manager.Sessions() {
		switch info.TargetID {
		case "len":
			assert.Equal(t, 50, info.Executions)
		case "idle":
			assert.Zero(t, info.Executions)
		}
	}
	assert.Empty(t, s.carried)
}
