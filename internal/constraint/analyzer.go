package constraint

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"fuzzcore/internal/types"
	"fuzzcore/pkg/metrics"
	"fuzzcore/pkg/telemetry"

	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Workers bounds how many constraints are solved at once, NumCPU by default
	Workers int
	// MaxSteps bounds the candidate assignments tried per constraint
	MaxSteps int
	Logger   *zap.Logger
}

// Analyzer turns target source into inputs for its branches. It holds no corpus state
// and is safe for concurrent use. Parsers are pooled per language and released by
// Shutdown.
type Analyzer struct {
	mu     sync.RWMutex // held for reading by every call, for writing by Shutdown
	closed bool
	pools  map[string]chan *sitter.Parser

	workers  int
	maxSteps int
	logger   *zap.Logger
}

func NewAnalyzer(opts Options) *Analyzer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a := &Analyzer{
		pools:    make(map[string]chan *sitter.Parser, len(grammars)),
		workers:  opts.Workers,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger,
	}
	for language := range grammars {
		a.pools[language] = make(chan *sitter.Parser, opts.Workers)
	}
	return a
}

// Shutdown waits for in-flight calls and releases the pooled parsers. Later calls fail
// with ErrAnalyzerClosed.
func (a *Analyzer) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for _, pool := range a.pools {
		close(pool)
		for parser := range pool {
			parser.Close()
		}
	}
	a.logger.Debug("constraint analyzer shut down")
}

// acquire marks a call in flight; the returned func ends it
func (a *Analyzer) acquire() (func(), error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil, ErrAnalyzerClosed
	}
	return a.mu.RUnlock, nil
}

func (a *Analyzer) getParser(language string) *sitter.Parser {
	select {
	case parser := <-a.pools[language]:
		return parser
	default:
	}
	parser := sitter.NewParser()
	parser.SetLanguage(grammars[language]())
	return parser
}

func (a *Analyzer) putParser(language string, parser *sitter.Parser) {
	select {
	case a.pools[language] <- parser:
	default:
		parser.Close()
	}
}

// ExtractConstraints lists the branch conditions of a source file. Unsupported languages
// and sources without a usable syntax tree give an empty list and an error wrapping
// ErrParseFailure.
func (a *Analyzer) ExtractConstraints(ctx context.Context, source []byte, language string) ([]PathConstraint, error) {
	release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ex, err := a.extract(ctx, source, language)
	return ex.constraints, err
}

func (a *Analyzer) extract(ctx context.Context, source []byte, language string) (extraction, error) {
	language = types.NormalizeLanguage(language)
	if _, ok := grammars[language]; !ok {
		return extraction{}, fmt.Errorf("%w: %w: %q", ErrParseFailure, ErrUnsupportedLanguage, language)
	}

	parser := a.getParser(language)
	ex, err := extract(ctx, parser, source, language)
	a.putParser(language, parser)
	if err != nil {
		a.logger.Debug("constraint extraction failed", zap.String("language", language), zap.Error(err))
		return extraction{}, err
	}
	a.logger.Debug("constraints extracted",
		zap.String("language", language),
		zap.Int("constraints", len(ex.constraints)),
		zap.Int("functions", len(ex.functions)))
	return ex, nil
}

// AnalyzePathConstraints solves every constraint independently and in parallel.
// Unsatisfiable and untranslatable constraints produce no entry. The result keeps the
// order of the input.
func (a *Analyzer) AnalyzePathConstraints(ctx context.Context, constraints []PathConstraint) ([]GeneratedInput, error) {
	release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	results, err := a.solveEach(ctx, constraints)
	if err != nil {
		return nil, err
	}
	return compact(results), nil
}

// solveEach returns one entry per constraint, nil where it was skipped
func (a *Analyzer) solveEach(ctx context.Context, constraints []PathConstraint) ([]*GeneratedInput, error) {
	tracer := telemetry.FromContext(ctx).Spawn("solve constraints")
	tracer.Start()
	defer tracer.End()

	results := make([]*GeneratedInput, len(constraints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i := range constraints {
		c := constraints[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			input, err := a.solve(&c)
			switch {
			case errors.Is(err, ErrUnsolvable):
				return nil
			case err != nil:
				return err
			}
			results[i] = input
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	solved := 0
	for _, r := range results {
		if r != nil {
			solved++
		}
	}
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.InputGeneration).
		WithExtraAttribute("constraints", len(constraints)).
		WithExtraAttribute("solved", solved))
	return results, nil
}

func compact(results []*GeneratedInput) []GeneratedInput {
	out := make([]GeneratedInput, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// solve runs one constraint through a fresh solver session. The model is evaluated
// against the translated condition once more before it is returned.
func (a *Analyzer) solve(c *PathConstraint) (*GeneratedInput, error) {
	formula, ok := translate(c.Expr())
	if !ok {
		metrics.ConstraintsSolved.WithLabelValues("untranslatable").Inc()
		return nil, ErrUnsolvable
	}
	model, err := newSession(formula, a.maxSteps).solve()
	if err != nil {
		metrics.ConstraintsSolved.WithLabelValues("unsat").Inc()
		return nil, err
	}
	if !holds(formula, model) {
		metrics.ConstraintsSolved.WithLabelValues("unsound").Inc()
		return nil, fmt.Errorf("%w: model does not satisfy %q", ErrUnsolvable, c.Condition)
	}
	metrics.ConstraintsSolved.WithLabelValues("solved").Inc()

	vars := make(map[string]any, len(model))
	for name, v := range model {
		vars[name] = v.Interface()
	}
	return &GeneratedInput{
		Variables:          vars,
		Path:               c.Path,
		SatisfiedCondition: c.Condition,
		Line:               c.StartLine,
	}, nil
}

// GenerateTestCases extracts and solves every constraint of a source file, one test case
// per solved constraint
func (a *Analyzer) GenerateTestCases(ctx context.Context, code []byte, language string) ([]TestCase, error) {
	release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ex, err := a.extract(ctx, code, language)
	if err != nil {
		return nil, err
	}
	results, err := a.solveEach(ctx, ex.constraints)
	if err != nil {
		return nil, err
	}
	cases := make([]TestCase, 0, len(results))
	for i, in := range results {
		if in == nil {
			continue
		}
		c := ex.constraints[i]
		cases = append(cases, TestCase{
			Name:      fmt.Sprintf("%s_%s_line_%d", c.Language, c.Kind, in.Line),
			Condition: in.SatisfiedCondition,
			PathLabel: strings.Join(in.Path, " > "),
			Kind:      c.Kind,
			Line:      in.Line,
			Input:     *in,
		})
	}
	return cases, nil
}

// FindInputsForLocation solves the constraints that may lie on a path to targetLine.
// The filter is a conservative superset: only constraints of the same function that
// start after the target line are dropped, unless a loop of that function encloses both
// the target and the constraint, in which case the back edge may reach the target.
func (a *Analyzer) FindInputsForLocation(ctx context.Context, code []byte, language string, targetLine int) ([]GeneratedInput, error) {
	release, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ex, err := a.extract(ctx, code, language)
	if err != nil {
		return nil, err
	}
	target := innermost(ex.functions, targetLine)

	var kept []PathConstraint
	for _, c := range ex.constraints {
		if c.Scope == target && c.StartLine > targetLine && !sharesLoop(ex.loops, target, targetLine, c.StartLine) {
			continue
		}
		kept = append(kept, c)
	}
	a.logger.Debug("constraints filtered for location",
		zap.Int("target_line", targetLine),
		zap.Int("total", len(ex.constraints)),
		zap.Int("kept", len(kept)))
	results, err := a.solveEach(ctx, kept)
	if err != nil {
		return nil, err
	}
	return compact(results), nil
}

// innermost returns the smallest function span containing line, zero at module level
func innermost(functions []Span, line int) Span {
	var best Span
	for _, f := range functions {
		if !f.Contains(line) {
			continue
		}
		if best.IsZero() || f.End-f.Start < best.End-best.Start {
			best = f
		}
	}
	return best
}

// sharesLoop reports whether a loop of the given function encloses both lines
func sharesLoop(loops []loop, scope Span, a, b int) bool {
	for _, l := range loops {
		if l.scope == scope && l.span.Contains(a) && l.span.Contains(b) {
			return true
		}
	}
	return false
}
