package types

import (
	"strings"
	"time"
)

// Limits bound every single execution of a target
type Limits struct {
	ExecTimeout   time.Duration `json:"exec_timeout"`
	MemoryLimitMB int           `json:"memory_limit_mb"`
	Iterations    int           `json:"iterations"` // executions per task, seeds included
}

// TargetSeed is the part of a corpus seed a worker needs to execute it
type TargetSeed struct {
	ID      string `json:"id"`
	Content []byte `json:"content"`
}

// small, self-contained fuzzing unit
type FuzzTarget struct {
	TargetID   string       `json:"target_id"`
	Code       string       `json:"code"`
	Language   string       `json:"language"`
	Seeds      []TargetSeed `json:"seeds"`
	Dictionary []string     `json:"dictionary,omitempty"`
	Limits     Limits       `json:"limits"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// WorkerTask is the scheduling unit owned by the coordinator
type WorkerTask struct {
	ID       string
	Target   *FuzzTarget
	Status   TaskStatus
	Attempts int // worker faults suffered so far
	Result   *FuzzResult
	Err      error
}

// SeedUpdate carries what one task learned about an existing seed
type SeedUpdate struct {
	SeedID     string
	Executions int
	Coverage   []string
	FoundCrash bool
}

// NewInput is a mutated input that reached coverage its parent did not
type NewInput struct {
	ParentID string
	Content  []byte
	Coverage []string
}

// FuzzResult is the terminal payload of a successful task
type FuzzResult struct {
	TargetID    string
	Executions  int
	Crashes     []CrashInfo
	SeedUpdates []SeedUpdate
	NewInputs   []NewInput
	Duration    time.Duration
}

var languageAliases = map[string]string{
	"js":         "javascript",
	"node":       "javascript",
	"nodejs":     "javascript",
	"ts":         "typescript",
	"py":         "python",
	"python3":    "python",
	"c++":        "cpp",
	"cc":         "cpp",
	"cxx":        "cpp",
	"golang":     "go",
	"javascript": "javascript",
	"typescript": "typescript",
	"python":     "python",
	"c":          "c",
	"cpp":        "cpp",
	"java":       "java",
	"go":         "go",
}

// NormalizeLanguage maps a language name or alias onto its canonical name. Unknown
// names come back lower-cased.
func NormalizeLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := languageAliases[l]; ok {
		return canonical
	}
	return l
}
