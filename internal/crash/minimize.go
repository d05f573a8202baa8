package crash

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"fuzzcore/internal/types"
)

var (
	ErrNotReproducible   = errors.New("crash does not reproduce")
	ErrOracleUnavailable = errors.New("reproduction oracle unavailable")

	errBudgetExhausted = errors.New("oracle budget exhausted")
)

// Oracle reports whether an input still triggers the crash under minimization
type Oracle func(ctx context.Context, input []byte) (bool, error)

type MinimizedCrash struct {
	Input            []byte     `json:"input"`
	OriginalSize     int        `json:"original_size"`
	MinimizedSize    int        `json:"minimized_size"`
	ReductionPercent float64    `json:"reduction_percent"`
	Iterations       int        `json:"iterations"` // oracle calls spent
	Aborted          bool       `json:"aborted"`
	RootCause        *RootCause `json:"root_cause,omitempty"`
}

// OracleBudget caps the oracle calls spent on an input of n bytes at n*ceil(log2(n+1))+1
func OracleBudget(n int) int {
	if n <= 0 {
		return 1
	}
	return n*int(math.Ceil(math.Log2(float64(n+1)))) + 1
}

// Minimize shrinks a crashing input with delta debugging over contiguous chunks.
//
// The original input is verified first and ErrNotReproducible is returned when the
// oracle rejects it. Every input the result carries has been confirmed by the oracle.
// When the oracle fails midway the pass stops and the best verified input so far is
// returned with Aborted set, together with an error wrapping ErrOracleUnavailable.
func Minimize(ctx context.Context, crash types.CrashInfo, oracle Oracle) (*MinimizedCrash, error) {
	original := crash.Input
	budget := OracleBudget(len(original))
	calls := 0
	test := func(candidate []byte) (bool, error) {
		if calls >= budget {
			return false, errBudgetExhausted
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		calls++
		return oracle(ctx, candidate)
	}

	ok, err := test(original)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if !ok {
		return nil, ErrNotReproducible
	}

	best := slices.Clone(original)
	result := func(aborted bool) *MinimizedCrash {
		m := &MinimizedCrash{
			Input:         best,
			OriginalSize:  len(original),
			MinimizedSize: len(best),
			Iterations:    calls,
			Aborted:       aborted,
		}
		if len(original) > 0 {
			m.ReductionPercent = float64(len(original)-len(best)) / float64(len(original)) * 100
		}
		rc := AnalyzeRootCause(crash, m)
		m.RootCause = &rc
		return m
	}

	granularity := 2
	for len(best) >= 2 {
		chunk := (len(best) + granularity - 1) / granularity
		reduced := false
		for start := 0; start < len(best); start += chunk {
			end := min(start+chunk, len(best))
			candidate := make([]byte, 0, len(best)-(end-start))
			candidate = append(candidate, best[:start]...)
			candidate = append(candidate, best[end:]...)
			if len(candidate) == 0 {
				continue
			}

			ok, err := test(candidate)
			if errors.Is(err, errBudgetExhausted) {
				return result(false), nil
			}
			if err != nil {
				return result(true), fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
			}
			if ok {
				best = candidate
				granularity = max(granularity-1, 2)
				reduced = true
				break
			}
		}
		if !reduced {
			if granularity >= len(best) {
				break
			}
			granularity = min(granularity*2, len(best))
		}
	}
	return result(false), nil
}
