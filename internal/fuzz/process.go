package fuzz

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"fuzzcore/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CodePlaceholder = "{code}"
	CoverageEnv     = "FUZZ_COVERAGE_FILE"

	maxStderr = 64 << 10
)

var oomMarkers = []string{
	"out of memory",
	"cannot allocate memory",
	"memoryerror",
	"std::bad_alloc",
	"allocation failed",
}

// ProcessExecutor runs a target as a child process. The target code is written to a file
// substituted for {code} in the command, the input is fed on stdin, and coverage units
// are read back, one per line, from the file named by FUZZ_COVERAGE_FILE.
//
// Every run goes through `sh -c` so the memory ceiling can be applied with ulimit -v.
// Timeouts kill the whole process group.
type ProcessExecutor struct {
	Languages []string
	Command   string
	Extension string
	Env       []string
	WorkDir   string // code and coverage files live here

	DefaultTimeout time.Duration
	DefaultMemMB   int

	codeFiles sync.Map // sha256 of code -> path
	logger    *zap.Logger
}

func NewProcessExecutor(languages []string, command, extension, workDir string, logger *zap.Logger) *ProcessExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessExecutor{
		Languages:      languages,
		Command:        command,
		Extension:      extension,
		WorkDir:        workDir,
		DefaultTimeout: 5 * time.Second,
		DefaultMemMB:   2048,
		logger:         logger,
	}
}

func (e *ProcessExecutor) SupportedLanguages() []string {
	return e.Languages
}

func (e *ProcessExecutor) Execute(ctx context.Context, target *types.FuzzTarget, input []byte) (*Outcome, error) {
	codePath, err := e.codeFile(target.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to write target code: %w", err)
	}
	coveragePath := filepath.Join(e.WorkDir, "cov-"+uuid.NewString())
	defer os.Remove(coveragePath)

	timeout := target.Limits.ExecTimeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	memMB := target.Limits.MemoryLimitMB
	if memMB <= 0 {
		memMB = e.DefaultMemMB
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := strings.ReplaceAll(e.Command, CodePlaceholder, shellQuote(codePath))
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec %s", memMB*1024, command)
	cmd := exec.CommandContext(execCtx, "sh", "-c", script)
	cmd.Env = append(append(os.Environ(), e.Env...), CoverageEnv+"="+coveragePath)
	cmd.Dir = e.WorkDir
	cmd.Stdin = bytes.NewReader(input)
	stderr := &limitedBuffer{limit: maxStderr}
	cmd.Stderr = stderr
	cmd.Stdout = nil

	// kill the whole group, the target may have forked
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	outcome := &Outcome{Duration: time.Since(start)}
	outcome.Coverage = readCoverage(coveragePath)

	// the caller gave up: not an outcome of the target
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		outcome.Crash = newCrash(input, "timeout",
			fmt.Sprintf("%s\nexecution exceeded %s", stderr.String(), timeout))
		return outcome, nil
	}
	if runErr == nil {
		return outcome, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("failed to run target: %w", runErr)
	}
	status, _ := exitErr.Sys().(syscall.WaitStatus)
	trace := stderr.String()
	switch {
	case status.Signaled():
		outcome.Crash = newCrash(input, strconv.Itoa(int(status.Signal())), trace)
	case status.ExitStatus() == 126 || status.ExitStatus() == 127:
		// the shell could not find or run the interpreter
		return nil, fmt.Errorf("target command unavailable (exit %d): %s", status.ExitStatus(), firstLine(trace))
	default:
		outcome.Crash = newCrash(input, "", trace)
	}
	if isOOM(trace) {
		outcome.Crash.Signal = "oom"
	}
	return outcome, nil
}

// codeFile writes each distinct target code once and reuses the file afterwards
func (e *ProcessExecutor) codeFile(code string) (string, error) {
	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])
	if p, ok := e.codeFiles.Load(key); ok {
		return p.(string), nil
	}
	if err := os.MkdirAll(e.WorkDir, 0755); err != nil {
		return "", err
	}
	p := filepath.Join(e.WorkDir, "target-"+key[:16]+e.Extension)
	if err := os.WriteFile(p, []byte(code), 0644); err != nil {
		return "", err
	}
	e.codeFiles.Store(key, p)
	e.logger.Debug("target code written", zap.String("path", p))
	return p, nil
}

func newCrash(input []byte, signal, trace string) *types.CrashInfo {
	crash := &types.CrashInfo{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Signal:     signal,
		StackTrace: strings.TrimSpace(trace),
		Input:      bytes.Clone(input),
	}
	crash.ErrorMessage = firstLine(crash.StackTrace)
	return crash
}

// readCoverage reads the unit list a target left behind; a missing file means none
func readCoverage(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var units []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if unit := strings.TrimSpace(scanner.Text()); unit != "" {
			units = append(units, unit)
		}
	}
	return units
}

func isOOM(trace string) bool {
	lower := strings.ToLower(trace)
	for _, marker := range oomMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// limitedBuffer keeps the first limit bytes written and drops the rest
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
