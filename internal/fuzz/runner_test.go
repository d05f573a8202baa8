package fuzz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fuzzcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunnerReportsNewCoverage(t *testing.T) {
	// every distinct first byte is its own unit
	exec := NewFuncExecutor("python").
		Handle("bytes", func(ctx context.Context, input []byte) ([]string, error) {
			if len(input) == 0 {
				return []string{"empty"}, nil
			}
			return []string{fmt.Sprintf("first-%02x", input[0])}, nil
		})
	target := &types.FuzzTarget{
		TargetID: "bytes",
		Language: "python",
		Seeds:    []types.TargetSeed{{ID: "s1", Content: []byte("a")}, {ID: "s2", Content: []byte("b")}},
		Limits:   types.Limits{Iterations: 300},
	}

	result, err := NewRunner(exec, target, 7, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300, result.Executions)
	assert.Equal(t, "bytes", result.TargetID)
	assert.NotEmpty(t, result.NewInputs)
	assert.Empty(t, result.Crashes)

	seen := map[string]bool{"first-61": true, "first-62": true}
	for _, in := range result.NewInputs {
		require.Len(t, in.Coverage, 1)
		assert.False(t, seen[in.Coverage[0]], "unit %s reported twice", in.Coverage[0])
		seen[in.Coverage[0]] = true
	}

	require.Len(t, result.SeedUpdates, 2)
	assert.Equal(t, "s1", result.SeedUpdates[0].SeedID)
	assert.Equal(t, []string{"first-61"}, result.SeedUpdates[0].Coverage)
	total := 0
	for _, u := range result.SeedUpdates {
		total += u.Executions
	}
	assert.LessOrEqual(t, total, 300)
}

func TestRunnerRecordsCrashes(t *testing.T) {
	exec := NewFuncExecutor("go").
		Handle("div", func(ctx context.Context, input []byte) ([]string, error) {
			if bytes.Contains(input, []byte("0")) {
				return nil, errors.New("runtime error: integer divide by zero")
			}
			return nil, nil
		})
	target := &types.FuzzTarget{
		TargetID: "div",
		Language: "go",
		Seeds:    []types.TargetSeed{{ID: "zero", Content: []byte("10")}},
		Limits:   types.Limits{Iterations: 1},
	}

	result, err := NewRunner(exec, target, 1, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Crashes, 1)
	crash := result.Crashes[0]
	assert.Equal(t, "zero", crash.SeedID)
	assert.Equal(t, []byte("10"), crash.Input)
	assert.NotEmpty(t, crash.ID)
	assert.Contains(t, crash.StackTrace, "integer divide by zero")
	assert.True(t, result.SeedUpdates[0].FoundCrash)
}

func TestRunnerTimeoutAndPanicAreCrashes(t *testing.T) {
	exec := NewFuncExecutor("go").
		Handle("hang", func(ctx context.Context, input []byte) ([]string, error) {
			<-ctx.Done()
			return nil, nil
		}).
		Handle("panic", func(ctx context.Context, input []byte) ([]string, error) {
			var m map[string]int
			m["x"]++
			return nil, nil
		})

	for _, tc := range []struct {
		id     string
		signal string
	}{
		{"hang", "timeout"},
		{"panic", "panic"},
	} {
		t.Run(tc.id, func(t *testing.T) {
			target := &types.FuzzTarget{
				TargetID: tc.id,
				Language: "go",
				Seeds:    []types.TargetSeed{{ID: "s", Content: []byte("x")}},
				Limits:   types.Limits{Iterations: 1, ExecTimeout: 20 * time.Millisecond},
			}
			result, err := NewRunner(exec, target, 1, nil).Run(context.Background())
			require.NoError(t, err)
			require.Len(t, result.Crashes, 1)
			assert.Equal(t, tc.signal, result.Crashes[0].Signal)
		})
	}
}

func TestRunnerExecutorErrorIsWorkerFault(t *testing.T) {
	exec := &flakyExecutor{}
	exec.failures.Store(1)

	_, err := NewRunner(exec, newTarget("x", 5), 1, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrWorkerFault)
}

func TestRunnerStopsOnCanceledContext(t *testing.T) {
	exec := NewFuncExecutor("go").
		Handle("x", func(ctx context.Context, input []byte) ([]string, error) { return nil, nil })
	target := &types.FuzzTarget{TargetID: "x", Language: "go", Limits: types.Limits{Iterations: 10}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(exec, target, 1, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrWorkerFault)
}

func TestReproducer(t *testing.T) {
	exec := NewFuncExecutor("go").
		Handle("r", func(ctx context.Context, input []byte) ([]string, error) {
			if string(input) == "bad" {
				return nil, errors.New("assertion failed")
			}
			return nil, nil
		})
	r := Reproducer{Executor: exec, Target: &types.FuzzTarget{TargetID: "r", Language: "go"}}

	crash, err := r.Reproduce(context.Background(), []byte("bad"))
	require.NoError(t, err)
	require.NotNil(t, crash)
	assert.Equal(t, "assertion failed", crash.ErrorMessage)

	crash, err = r.Reproduce(context.Background(), []byte("good"))
	require.NoError(t, err)
	assert.Nil(t, crash)
}

func TestMutatorIsDeterministic(t *testing.T) {
	parent := []byte(`{"user":"bob","age":3}`)
	a := NewMutator(42, []string{"admin"}, [][]byte{[]byte("other")})
	b := NewMutator(42, []string{"admin"}, [][]byte{[]byte("other")})
	for range 100 {
		x, y := a.Mutate(parent), b.Mutate(parent)
		assert.Equal(t, x, y)
	}
	assert.Equal(t, `{"user":"bob","age":3}`, string(parent))

	empty := NewMutator(1, nil, nil)
	for range 50 {
		assert.LessOrEqual(t, len(empty.Mutate(nil)), maxInputSize)
	}
}

func TestRegistryLookup(t *testing.T) {
	var nilExec *FuncExecutor
	r := NewExecutorRegistry(ExecutorRegistryParams{
		Logger:    zaptest.NewLogger(t),
		Executors: []Executor{NewFuncExecutor("python"), nilExec, NewFuncExecutor("JS")},
	})
	assert.Equal(t, []string{"javascript", "python"}, r.Languages())

	_, err := r.Lookup("py")
	assert.NoError(t, err)
	_, err = r.Lookup("node")
	assert.NoError(t, err)
	_, err = r.Lookup("rust")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestLoadExecutorSpecs(t *testing.T) {
	specs, err := LoadExecutorSpecs("")
	require.NoError(t, err)
	assert.Equal(t, DefaultExecutorSpecs, specs)

	dir := t.TempDir()
	path := filepath.Join(dir, "executors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`executors:
  - languages: [javascript, typescript]
    command: node {code}
    extension: .js
    env: [NODE_OPTIONS=--max-old-space-size=512]
`), 0644))
	specs, err = LoadExecutorSpecs(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"javascript", "typescript"}, specs[0].Languages)
	assert.Equal(t, "node {code}", specs[0].Command)
	assert.Equal(t, []string{"NODE_OPTIONS=--max-old-space-size=512"}, specs[0].Env)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("executors:\n  - command: node\n"), 0644))
	_, err = LoadExecutorSpecs(bad)
	assert.Error(t, err)
}
