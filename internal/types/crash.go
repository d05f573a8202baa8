package types

import "time"

// CrashInfo is one observed failure of the target. Never modified after it is recorded.
type CrashInfo struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Signal         string    `json:"signal,omitempty"`
	StackTrace     string    `json:"stack_trace"`
	Input          []byte    `json:"input"`
	CoverageBitmap []byte    `json:"coverage_bitmap,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	TaintedVars    []string  `json:"tainted_vars,omitempty"`
	MutatedFields  []string  `json:"mutated_fields,omitempty"`
	SeedID         string    `json:"seed_id,omitempty"` // seed whose execution (or mutant) crashed
}
