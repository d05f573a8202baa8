package fuzz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fuzzcore/internal/types"
	"fuzzcore/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultIterations = 500
	progressEvery     = 64
	maxCrashesPerTask = 256
)

// ProgressFunc receives running totals of a task
type ProgressFunc func(executions, crashes int)

// Runner drives one FuzzTarget on a single worker: every seed is executed once, then
// mutated children of the seeds and of newly found inputs until the iteration budget is
// spent. It is used by one goroutine at a time.
type Runner struct {
	executor Executor
	target   *types.FuzzTarget
	mutator  *Mutator
	progress ProgressFunc
	logger   *zap.Logger
}

func NewRunner(executor Executor, target *types.FuzzTarget, rngSeed uint64, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := make([][]byte, 0, len(target.Seeds))
	for _, s := range target.Seeds {
		pool = append(pool, s.Content)
	}
	return &Runner{
		executor: executor,
		target:   target,
		mutator:  NewMutator(rngSeed, target.Dictionary, pool),
		logger:   logger,
	}
}

func (r *Runner) WithProgress(fn ProgressFunc) *Runner {
	r.progress = fn
	return r
}

// parent is an input children can be derived from
type parent struct {
	seedID  string // empty for inputs found during this run
	content []byte
}

type runState struct {
	result    *types.FuzzResult
	updates   map[string]*types.SeedUpdate
	order     []string
	covered   map[string]struct{}
	parents   []parent
	crashes   int
	lastPulse int
}

// Run executes the target. Executor failures are returned wrapped in ErrWorkerFault; a
// done ctx returns ctx.Err() and no result.
func (r *Runner) Run(ctx context.Context) (*types.FuzzResult, error) {
	start := time.Now()
	iterations := r.target.Limits.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	language := types.NormalizeLanguage(r.target.Language)

	st := &runState{
		result:  &types.FuzzResult{TargetID: r.target.TargetID},
		updates: make(map[string]*types.SeedUpdate),
		covered: make(map[string]struct{}),
	}

	inputs := r.target.Seeds
	if len(inputs) == 0 {
		// a target with no corpus starts from the empty input
		inputs = []types.TargetSeed{{Content: []byte{}}}
	}

	for _, seed := range inputs {
		if st.result.Executions >= iterations {
			break
		}
		outcome, err := r.execute(ctx, seed.Content)
		if err != nil {
			return nil, err
		}
		r.record(st, parent{seed.ID, seed.Content}, seed.Content, outcome, false)
		st.parents = append(st.parents, parent{seed.ID, seed.Content})
	}

	for i := 0; st.result.Executions < iterations; i++ {
		p := st.parents[i%len(st.parents)]
		child := r.mutator.Mutate(p.content)
		outcome, err := r.execute(ctx, child)
		if err != nil {
			return nil, err
		}
		r.record(st, p, child, outcome, true)
	}

	for _, id := range st.order {
		st.result.SeedUpdates = append(st.result.SeedUpdates, *st.updates[id])
	}
	st.result.Duration = time.Since(start)
	metrics.Executions.WithLabelValues(language).Add(float64(st.result.Executions))
	r.pulse(st, true)

	r.logger.Debug("target run finished",
		zap.String("target_id", r.target.TargetID),
		zap.Int("executions", st.result.Executions),
		zap.Int("crashes", len(st.result.Crashes)),
		zap.Int("new_inputs", len(st.result.NewInputs)),
		zap.Duration("duration", st.result.Duration))
	return st.result, nil
}

func (r *Runner) execute(ctx context.Context, input []byte) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outcome, err := r.executor.Execute(ctx, r.target, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrWorkerFault) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrWorkerFault, err)
	}
	return outcome, nil
}

func (r *Runner) record(st *runState, p parent, input []byte, outcome *Outcome, mutated bool) {
	st.result.Executions++

	novel := false
	for _, unit := range outcome.Coverage {
		if _, ok := st.covered[unit]; !ok {
			st.covered[unit] = struct{}{}
			novel = true
		}
	}

	if p.seedID != "" {
		u, ok := st.updates[p.seedID]
		if !ok {
			u = &types.SeedUpdate{SeedID: p.seedID}
			st.updates[p.seedID] = u
			st.order = append(st.order, p.seedID)
		}
		u.Executions++
		if !mutated {
			// only the seed's own execution describes its coverage
			u.Coverage = append(u.Coverage, outcome.Coverage...)
		}
		if outcome.Crash != nil {
			u.FoundCrash = true
		}
	}

	if mutated && novel && outcome.Crash == nil {
		st.result.NewInputs = append(st.result.NewInputs, types.NewInput{
			ParentID: p.seedID,
			Content:  input,
			Coverage: outcome.Coverage,
		})
		st.parents = append(st.parents, parent{content: input})
	}

	if outcome.Crash != nil {
		st.crashes++
		crash := *outcome.Crash
		if crash.ID == "" {
			crash.ID = uuid.NewString()
		}
		if crash.Timestamp.IsZero() {
			crash.Timestamp = time.Now()
		}
		if crash.Input == nil {
			crash.Input = input
		}
		crash.SeedID = p.seedID
		metrics.Crashes.WithLabelValues(signalLabel(crash.Signal)).Inc()
		if len(st.result.Crashes) < maxCrashesPerTask {
			st.result.Crashes = append(st.result.Crashes, crash)
		}
	}

	r.pulse(st, false)
}

func (r *Runner) pulse(st *runState, final bool) {
	if r.progress == nil {
		return
	}
	if final || st.result.Executions-st.lastPulse >= progressEvery {
		st.lastPulse = st.result.Executions
		r.progress(st.result.Executions, st.crashes)
	}
}

func signalLabel(signal string) string {
	if signal == "" {
		return "exit"
	}
	return signal
}

// Reproducer re-executes single inputs against a target, for minimization oracles
type Reproducer struct {
	Executor Executor
	Target   *types.FuzzTarget
}

func (r Reproducer) Reproduce(ctx context.Context, input []byte) (*types.CrashInfo, error) {
	outcome, err := r.Executor.Execute(ctx, r.Target, input)
	if err != nil {
		return nil, err
	}
	return outcome.Crash, nil
}
