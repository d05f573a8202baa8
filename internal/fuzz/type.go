package fuzz

import (
	"context"
	"errors"
	"time"

	"fuzzcore/internal/types"
)

var (
	ErrWorkerFault         = errors.New("worker fault")
	ErrTaskCanceled        = errors.New("task canceled")
	ErrShutdown            = errors.New("coordinator shut down")
	ErrUnsupportedLanguage = errors.New("no executor for language")
)

// Outcome is what one execution of a target observed
type Outcome struct {
	Coverage []string         // coverage units reached, in no particular order
	Crash    *types.CrashInfo // nil for a clean run
	Duration time.Duration
}

// Executor runs a target against a single input.
//
// Crashes, timeouts and memory exhaustion are outcomes, not errors. An error means the
// execution itself could not be carried out and the worker is considered faulted.
// Execution must stop when ctx is done.
type Executor interface {
	Execute(ctx context.Context, target *types.FuzzTarget, input []byte) (*Outcome, error)
	SupportedLanguages() []string
}
