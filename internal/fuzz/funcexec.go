package fuzz

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fuzzcore/internal/types"
)

// TargetFunc is an in-process target. It reports the coverage units it reached; a
// returned error is a crash of the target unless it wraps ErrWorkerFault.
type TargetFunc func(ctx context.Context, input []byte) (coverage []string, err error)

// FuncExecutor runs Go functions as targets, keyed by target id. It serves embedding and
// tests; there is no memory ceiling for in-process targets.
type FuncExecutor struct {
	Language       string
	Targets        map[string]TargetFunc
	DefaultTimeout time.Duration
}

func NewFuncExecutor(language string) *FuncExecutor {
	return &FuncExecutor{
		Language:       language,
		Targets:        make(map[string]TargetFunc),
		DefaultTimeout: 5 * time.Second,
	}
}

func (e *FuncExecutor) Handle(targetID string, fn TargetFunc) *FuncExecutor {
	e.Targets[targetID] = fn
	return e
}

func (e *FuncExecutor) SupportedLanguages() []string {
	return []string{e.Language}
}

type funcReturn struct {
	coverage []string
	err      error
	panicked any
	stack    []byte
}

func (e *FuncExecutor) Execute(ctx context.Context, target *types.FuzzTarget, input []byte) (*Outcome, error) {
	fn, ok := e.Targets[target.TargetID]
	if !ok {
		return nil, fmt.Errorf("no function registered for target %q", target.TargetID)
	}
	timeout := target.Limits.ExecTimeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan funcReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- funcReturn{panicked: r, stack: debug.Stack()}
			}
		}()
		coverage, err := fn(execCtx, input)
		done <- funcReturn{coverage: coverage, err: err}
	}()

	var ret funcReturn
	select {
	case ret = <-done:
	case <-execCtx.Done():
		// the goroutine is abandoned; it observes execCtx if it cooperates
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if execCtx.Err() != nil {
		return &Outcome{
			Duration: time.Since(start),
			Crash:    newCrash(input, "timeout", fmt.Sprintf("execution exceeded %s", timeout)),
		}, nil
	}

	outcome := &Outcome{Coverage: ret.coverage, Duration: time.Since(start)}
	switch {
	case ret.panicked != nil:
		outcome.Crash = newCrash(input, "panic", fmt.Sprintf("panic: %v\n\n%s", ret.panicked, ret.stack))
	case errors.Is(ret.err, ErrWorkerFault):
		return nil, ret.err
	case ret.err != nil:
		outcome.Crash = newCrash(input, "", ret.err.Error())
	}
	return outcome, nil
}
