package crash

import (
	"context"

	"fuzzcore/internal/types"
)

// Reproducer executes one input against a target and reports the crash it caused,
// nil when the execution was clean
type Reproducer interface {
	Reproduce(ctx context.Context, input []byte) (*types.CrashInfo, error)
}

// OracleFromExecutor accepts an input when re-executing it crashes at the same site
// with the same signal as the original crash. Coverage is ignored since a shrunk input
// naturally walks a shorter path.
func OracleFromExecutor(r Reproducer, original types.CrashInfo) Oracle {
	want := GenerateFingerprint(original)
	return func(ctx context.Context, input []byte) (bool, error) {
		got, err := r.Reproduce(ctx, input)
		if err != nil {
			return false, err
		}
		if got == nil {
			return false, nil
		}
		fp := GenerateFingerprint(*got)
		return fp.StackHash == want.StackHash && fp.Signal == want.Signal, nil
	}
}
