package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"
)

var (
	ErrSeedNotFound     = errors.New("seed not found")
	ErrCorpusIO         = errors.New("corpus i/o failure")
	ErrInvalidSnapshot  = errors.New("invalid corpus snapshot")
	ErrSnapshotNotFound = errors.New("no corpus snapshot for target")
)

type SeedSource string

const (
	SourceManual    SeedSource = "manual"
	SourceGenerated SeedSource = "generated"
	SourceMinimized SeedSource = "minimized"
	SourceMutated   SeedSource = "mutated"
)

// Seed is one input tracked by the corpus. Its ID is the hex sha256 of its content.
type Seed struct {
	ID             string     `json:"id"`
	Content        []byte     `json:"content"`
	ContentHash    string     `json:"content_hash"`
	AddedAt        time.Time  `json:"added_at"`
	LastUsedAt     time.Time  `json:"last_used_at"`
	ExecutionCount int        `json:"execution_count"`
	CoverageScore  float64    `json:"coverage_score"`
	CrashCount     int        `json:"crash_count"`
	Energy         float64    `json:"energy"`
	IsGolden       bool       `json:"is_golden"`
	Source         SeedSource `json:"source"`
	ParentID       string     `json:"parent_id,omitempty"`
	Size           int        `json:"size"`
	Coverage       []string   `json:"coverage,omitempty"` // sorted units this seed exercised
}

// SeedMeta describes where a new seed comes from
type SeedMeta struct {
	Source   SeedSource
	ParentID string
	Golden   bool
}

// Metrics is the outcome of executing a seed, applied with UpdateSeedMetrics
type Metrics struct {
	Executions  int
	NewCoverage []string
	FoundCrash  bool
}

// EvolutionMetrics summarises one minimization pass
type EvolutionMetrics struct {
	GenerationNumber   int     `json:"generation_number"`
	NewCoveragePercent float64 `json:"new_coverage_percent"`
	Pruned             int     `json:"pruned"`
	Added              int     `json:"added"`
	Promoted           int     `json:"promoted"`
	AvgEnergy          float64 `json:"avg_energy"`
}

type EnergyBands struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

type CorpusStats struct {
	TargetID        string             `json:"target_id"`
	Version         int                `json:"version"`
	Generation      int                `json:"generation"`
	SeedCount       int                `json:"seed_count"`
	GoldenCount     int                `json:"golden_count"`
	CoverageUnits   int                `json:"coverage_units"`
	TotalExecutions int                `json:"total_executions"`
	TotalCrashes    int                `json:"total_crashes"`
	AvgEnergy       float64            `json:"avg_energy"`
	EnergyBands     EnergyBands        `json:"energy_bands"`
	BySource        map[SeedSource]int `json:"by_source"`
	PendingArchive  int                `json:"pending_archive"`
}

// ContentHash returns the content address used as seed identity
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s Seed) clone() Seed {
	s.Content = slices.Clone(s.Content)
	s.Coverage = slices.Clone(s.Coverage)
	return s
}
