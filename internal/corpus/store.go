package corpus

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	Capacity           int // max in-memory seeds, 0 = unbounded
	Policy             EnergyPolicy
	Bands              BandThresholds
	Archiver           Archiver
	PromoteCrashes     int // auto-promote seeds with at least this many crashes, 0 disables
	PromoteUniqueUnits int // auto-promote seeds contributing at least this many units no other seed has
	Logger             *zap.Logger
	Clock              func() time.Time
}

// Store is the seed corpus of one target.
//
// A Store is not safe for concurrent use: it is owned by a single session whose update
// path serializes every call.
type Store struct {
	targetID   string
	version    int
	generation int

	seeds    map[string]*Seed
	seedCov  map[string]map[string]struct{}
	coverage map[string]struct{}

	policy   EnergyPolicy
	bands    BandThresholds
	capacity int
	archiver Archiver

	promoteCrashes     int
	promoteUniqueUnits int

	addedSinceGen  int
	coverageAtGen  int
	pendingArchive []Seed

	logger *zap.Logger
	now    func() time.Time
}

func NewStore(targetID string, opts Options) *Store {
	if opts.Policy == nil {
		opts.Policy = NewDefaultEnergyPolicy()
	}
	if opts.Bands == (BandThresholds{}) {
		opts.Bands = DefaultBandThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		targetID:           targetID,
		seeds:              make(map[string]*Seed),
		seedCov:            make(map[string]map[string]struct{}),
		coverage:           make(map[string]struct{}),
		policy:             opts.Policy,
		bands:              opts.Bands,
		capacity:           opts.Capacity,
		archiver:           opts.Archiver,
		promoteCrashes:     opts.PromoteCrashes,
		promoteUniqueUnits: opts.PromoteUniqueUnits,
		logger:             opts.Logger.With(zap.String("target_id", targetID)),
		now:                opts.Clock,
	}
}

func (s *Store) TargetID() string { return s.targetID }
func (s *Store) Version() int     { return s.version }
func (s *Store) Len() int         { return len(s.seeds) }

// AddSeed inserts content into the corpus. When a seed with the same content already
// exists it is returned unchanged and created is false.
func (s *Store) AddSeed(content []byte, meta SeedMeta) (seed Seed, created bool) {
	hash := ContentHash(content)
	if existing, ok := s.seeds[hash]; ok {
		return existing.clone(), false
	}
	if meta.Source == "" {
		meta.Source = SourceManual
	}

	now := s.now()
	ns := &Seed{
		ID:          hash,
		Content:     slices.Clone(content),
		ContentHash: hash,
		AddedAt:     now,
		Energy:      s.policy.Initial(),
		IsGolden:    meta.Golden,
		Source:      meta.Source,
		ParentID:    meta.ParentID,
		Size:        len(content),
	}
	s.seeds[hash] = ns
	s.seedCov[hash] = make(map[string]struct{})
	s.addedSinceGen++

	s.logger.Debug("seed added",
		zap.String("seed_id", hash),
		zap.String("source", string(meta.Source)),
		zap.Int("size", len(content)))
	return ns.clone(), true
}

// Seed returns a copy of the seed with the given id
func (s *Store) Seed(id string) (Seed, bool) {
	seed, ok := s.seeds[id]
	if !ok {
		return Seed{}, false
	}
	return seed.clone(), true
}

// UpdateSeedMetrics records one round of executions of a seed.
func (s *Store) UpdateSeedMetrics(id string, m Metrics) error {
	seed, ok := s.seeds[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSeedNotFound, id)
	}

	now := s.now()
	seed.ExecutionCount += max(1, m.Executions)
	seed.LastUsedAt = now

	novel := s.mergeCoverage(seed, m.NewCoverage)
	if m.FoundCrash {
		seed.CrashCount++
	}

	before := seed.Energy
	energy := s.policy.Energy(*seed, now)
	if novel > 0 || m.FoundCrash {
		// a productive execution never lowers energy
		energy = max(energy, before+minReward)
	}
	seed.Energy = energy
	return nil
}

// AttachCoverage records units an input reached when it was discovered. No execution of
// the seed is counted.
func (s *Store) AttachCoverage(id string, units []string) error {
	seed, ok := s.seeds[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSeedNotFound, id)
	}
	before := seed.Energy
	if s.mergeCoverage(seed, units) > 0 {
		seed.Energy = max(s.policy.Energy(*seed, s.now()), before+minReward)
	}
	return nil
}

// mergeCoverage adds units to the seed and the corpus union and returns how many were
// new to the corpus
func (s *Store) mergeCoverage(seed *Seed, units []string) int {
	own := s.seedCov[seed.ID]
	novel := 0
	grown := false
	for _, unit := range units {
		if _, ok := own[unit]; !ok {
			own[unit] = struct{}{}
			grown = true
		}
		if _, ok := s.coverage[unit]; !ok {
			s.coverage[unit] = struct{}{}
			novel++
		}
	}
	if grown {
		seed.Coverage = sortedKeys(own)
	}
	if novel > 0 {
		seed.CoverageScore += float64(novel)
	}
	return novel
}

// PromoteToGolden exempts a seed from pruning. Returns false when the seed is unknown.
func (s *Store) PromoteToGolden(id string) bool {
	seed, ok := s.seeds[id]
	if !ok {
		return false
	}
	seed.IsGolden = true
	return true
}

// GetSeedsByEnergy returns up to limit seeds, highest energy first. Among equal energies
// the least recently used seed comes first.
func (s *Store) GetSeedsByEnergy(limit int) []Seed {
	ordered := slices.Collect(maps.Values(s.seeds))
	slices.SortFunc(ordered, func(a, b *Seed) int {
		if c := cmp.Compare(b.Energy, a.Energy); c != 0 {
			return c
		}
		if c := a.LastUsedAt.Compare(b.LastUsedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]Seed, 0, len(ordered))
	for _, seed := range ordered {
		out = append(out, seed.clone())
	}
	return out
}

func (s *Store) GetGoldenSeeds() []Seed {
	var out []Seed
	for _, seed := range s.seeds {
		if seed.IsGolden {
			out = append(out, seed.clone())
		}
	}
	slices.SortFunc(out, func(a, b Seed) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Coverage returns the sorted cumulative coverage of the corpus
func (s *Store) Coverage() []string {
	return sortedKeys(s.coverage)
}

func (s *Store) GetCorpusStats() CorpusStats {
	stats := CorpusStats{
		TargetID:       s.targetID,
		Version:        s.version,
		Generation:     s.generation,
		SeedCount:      len(s.seeds),
		CoverageUnits:  len(s.coverage),
		BySource:       make(map[SeedSource]int),
		PendingArchive: len(s.pendingArchive),
	}
	total := 0.0
	for _, seed := range s.seeds {
		if seed.IsGolden {
			stats.GoldenCount++
		}
		stats.TotalExecutions += seed.ExecutionCount
		stats.TotalCrashes += seed.CrashCount
		stats.BySource[seed.Source]++
		s.bands.classify(seed.Energy, &stats.EnergyBands)
		total += seed.Energy
	}
	if len(s.seeds) > 0 {
		stats.AvgEnergy = total / float64(len(s.seeds))
	}
	return stats
}

// EnforceCapacity keeps the in-memory tier within its capacity. It minimizes first and
// then evicts the lowest priority non-golden seeds; everything removed is handed to the
// archive tier. Archive failures leave the removed seeds queued for the next call.
func (s *Store) EnforceCapacity(ctx context.Context) (evicted int, err error) {
	if s.capacity > 0 && len(s.seeds) > s.capacity {
		s.MinimizeCorpus()
	}
	if s.capacity > 0 && len(s.seeds) > s.capacity {
		ordered := s.priorityOrder()
		for i := len(ordered) - 1; i >= 0 && len(s.seeds) > s.capacity; i-- {
			seed := ordered[i]
			if seed.IsGolden {
				continue
			}
			s.remove(seed.ID)
			evicted++
		}
		s.coverage = s.unionOfSeeds()
		s.version++
		s.logger.Info("corpus over capacity, seeds evicted",
			zap.Int("evicted", evicted),
			zap.Int("capacity", s.capacity),
			zap.Int("coverage_units", len(s.coverage)))
	}
	return evicted, s.ArchivePending(ctx)
}

// ArchivePending flushes removed seeds to the archive tier
func (s *Store) ArchivePending(ctx context.Context) error {
	if len(s.pendingArchive) == 0 {
		return nil
	}
	if s.archiver == nil {
		s.pendingArchive = nil
		return nil
	}
	if err := s.archiver.Archive(ctx, s.targetID, s.pendingArchive); err != nil {
		return fmt.Errorf("%w: archive %d seeds: %w", ErrCorpusIO, len(s.pendingArchive), err)
	}
	s.logger.Debug("seeds archived", zap.Int("count", len(s.pendingArchive)))
	s.pendingArchive = nil
	return nil
}

// remove drops a seed from the in-memory tier and queues it for archiving.
// The caller is responsible for keeping the coverage union consistent.
func (s *Store) remove(id string) {
	seed, ok := s.seeds[id]
	if !ok {
		return
	}
	s.pendingArchive = append(s.pendingArchive, seed.clone())
	delete(s.seeds, id)
	delete(s.seedCov, id)
}

// priorityOrder sorts seeds golden first, then energy descending, then coverage
// contribution descending
func (s *Store) priorityOrder() []*Seed {
	ordered := slices.Collect(maps.Values(s.seeds))
	slices.SortFunc(ordered, func(a, b *Seed) int {
		if a.IsGolden != b.IsGolden {
			if a.IsGolden {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Energy, a.Energy); c != 0 {
			return c
		}
		if c := cmp.Compare(len(s.seedCov[b.ID]), len(s.seedCov[a.ID])); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ordered
}

func (s *Store) unionOfSeeds() map[string]struct{} {
	union := make(map[string]struct{})
	for _, units := range s.seedCov {
		for unit := range units {
			union[unit] = struct{}{}
		}
	}
	return union
}

func sortedKeys(set map[string]struct{}) []string {
	keys := slices.Collect(maps.Keys(set))
	slices.Sort(keys)
	return keys
}
