package fuzz

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"fuzzcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const shellTarget = `read line
case "$line" in
  boom) echo "fatal: boom at parse" >&2; exit 3 ;;
  hang) sleep 30 ;;
  segv) kill -SEGV $$ ;;
  oom) echo "FATAL ERROR: JavaScript heap out of memory" >&2; exit 134 ;;
esac
echo "unit-entry" > "$FUZZ_COVERAGE_FILE"
echo "unit-$line" >> "$FUZZ_COVERAGE_FILE"
`

func newShellExecutor(t *testing.T, command string) *ProcessExecutor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewProcessExecutor([]string{"shell"}, command, ".sh", t.TempDir(), zaptest.NewLogger(t))
}

func shellFuzzTarget() *types.FuzzTarget {
	return &types.FuzzTarget{
		TargetID: "shell",
		Language: "shell",
		Code:     shellTarget,
		Limits:   types.Limits{ExecTimeout: 300 * time.Millisecond, MemoryLimitMB: 512},
	}
}

func TestProcessExecutorOutcomes(t *testing.T) {
	e := newShellExecutor(t, "sh {code}")
	target := shellFuzzTarget()
	ctx := context.Background()

	out, err := e.Execute(ctx, target, []byte("hello\n"))
	require.NoError(t, err)
	assert.Nil(t, out.Crash)
	assert.Equal(t, []string{"unit-entry", "unit-hello"}, out.Coverage)

	out, err = e.Execute(ctx, target, []byte("boom\n"))
	require.NoError(t, err)
	require.NotNil(t, out.Crash)
	assert.Equal(t, "fatal: boom at parse", out.Crash.StackTrace)
	assert.Equal(t, "fatal: boom at parse", out.Crash.ErrorMessage)
	assert.Equal(t, []byte("boom\n"), out.Crash.Input)

	out, err = e.Execute(ctx, target, []byte("segv\n"))
	require.NoError(t, err)
	require.NotNil(t, out.Crash)
	assert.Equal(t, "11", out.Crash.Signal)

	out, err = e.Execute(ctx, target, []byte("oom\n"))
	require.NoError(t, err)
	require.NotNil(t, out.Crash)
	assert.Equal(t, "oom", out.Crash.Signal)
}

func TestProcessExecutorTimeout(t *testing.T) {
	e := newShellExecutor(t, "sh {code}")

	start := time.Now()
	out, err := e.Execute(context.Background(), shellFuzzTarget(), []byte("hang\n"))
	require.NoError(t, err)
	require.NotNil(t, out.Crash)
	assert.Equal(t, "timeout", out.Crash.Signal)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessExecutorCallerCancel(t *testing.T) {
	e := newShellExecutor(t, "sh {code}")
	target := shellFuzzTarget()
	target.Limits.ExecTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, target, []byte("hang\n"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessExecutorMissingInterpreter(t *testing.T) {
	e := newShellExecutor(t, "definitely-not-an-interpreter-7f3a {code}")

	_, err := e.Execute(context.Background(), shellFuzzTarget(), []byte("x\n"))
	assert.Error(t, err)
}

func TestProcessExecutorReusesCodeFile(t *testing.T) {
	e := newShellExecutor(t, "sh {code}")

	a, err := e.codeFile("echo one")
	require.NoError(t, err)
	b, err := e.codeFile("echo one")
	require.NoError(t, err)
	c, err := e.codeFile("echo two")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
