package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"fuzzcore/internal/constraint"
	"fuzzcore/internal/corpus"
	"fuzzcore/internal/crash"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/metrics"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Options tunes a submitted target. Zero values keep what the session already has.
type Options struct {
	Seeds            [][]byte // initial manual seeds
	Dictionary       []string
	Limits           types.Limits
	SeedFromAnalyzer bool
	// Oracle replaces re-execution when crashes are minimized
	Oracle crash.Oracle
}

// Session is the fuzzing state of one target: its corpus and its crash clusters. Every
// mutation goes through the session mutex.
type Session struct {
	mu sync.Mutex

	targetID string
	code     string
	language string
	limits   types.Limits
	oracle   crash.Oracle

	corpus      *corpus.Store
	crashes     *crash.Deduplicator
	constraints []constraint.PathConstraint
	dictionary  map[string]struct{}
	minimizing  map[string]bool // fingerprint hash -> minimization in flight

	executions int
	errs       *multierror.Error // corpus i/o failures and exhausted retries since the last Err call

	logger *zap.Logger
}

func newSession(targetID string, store *corpus.Store, dedup *crash.Deduplicator, logger *zap.Logger) *Session {
	return &Session{
		targetID:   targetID,
		corpus:     store,
		crashes:    dedup,
		dictionary: make(map[string]struct{}),
		minimizing: make(map[string]bool),
		logger:     logger.With(zap.String("target_id", targetID)),
	}
}

// Handle is what SubmitTarget returns to callers
type Handle struct {
	s *Session
}

func (h *Handle) TargetID() string {
	return h.s.targetID
}

func (h *Handle) Stats() corpus.CorpusStats {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.corpus.GetCorpusStats()
}

func (h *Handle) CrashStats() crash.Stats {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.crashes.Stats()
}

// Err returns and clears the session level errors gathered since the last call
func (h *Handle) Err() error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	err := h.s.errs.ErrorOrNil()
	h.s.errs = nil
	return err
}

// Target builds the next unit of work from the highest energy seeds
func (h *Handle) Target(seedLimit int) *types.FuzzTarget {
	return h.s.buildTarget(seedLimit)
}

func (s *Session) configure(code, language string, opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != "" {
		s.code = code
	}
	if language != "" {
		s.language = types.NormalizeLanguage(language)
	}
	if opts.Limits != (types.Limits{}) {
		s.limits = opts.Limits
	}
	if opts.Oracle != nil {
		s.oracle = opts.Oracle
	}
	s.addTokens(opts.Dictionary)
}

// addTokens must be called with s.mu held
func (s *Session) addTokens(tokens []string) {
	for _, token := range tokens {
		if token != "" {
			s.dictionary[token] = struct{}{}
		}
	}
}

func (s *Session) addSeeds(contents [][]byte, meta corpus.SeedMeta) (added []corpus.Seed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, content := range contents {
		if seed, created := s.corpus.AddSeed(content, meta); created {
			added = append(added, seed)
		}
	}
	s.updateGauges()
	return added
}

func (s *Session) buildTarget(seedLimit int) *types.FuzzTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := &types.FuzzTarget{
		TargetID: s.targetID,
		Code:     s.code,
		Language: s.language,
		Limits:   s.limits,
	}
	for _, seed := range s.corpus.GetSeedsByEnergy(seedLimit) {
		target.Seeds = append(target.Seeds, types.TargetSeed{ID: seed.ID, Content: seed.Content})
	}
	target.Dictionary = slices.Sorted(maps.Keys(s.dictionary))
	return target
}

// applyOutcome is what one applied result produced, for the manager to act on outside
// the session lock
type applyOutcome struct {
	events   []types.ClusterEvent
	seeds    []corpus.Seed
	minimize []types.CrashInfo // representatives of clusters to minimize
}

// apply merges a finished task into the corpus and the crash clusters
func (s *Session) apply(ctx context.Context, result *types.FuzzResult) applyOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out applyOutcome
	s.executions += result.Executions

	for _, u := range result.SeedUpdates {
		err := s.corpus.UpdateSeedMetrics(u.SeedID, corpus.Metrics{
			Executions:  u.Executions,
			NewCoverage: u.Coverage,
			FoundCrash:  u.FoundCrash,
		})
		if errors.Is(err, corpus.ErrSeedNotFound) {
			// archived while the task ran
			s.logger.Debug("seed update for unknown seed", zap.String("seed_id", u.SeedID))
		}
	}

	for _, in := range result.NewInputs {
		seed, created := s.corpus.AddSeed(in.Content, corpus.SeedMeta{Source: corpus.SourceMutated, ParentID: in.ParentID})
		if err := s.corpus.AttachCoverage(seed.ID, in.Coverage); err != nil {
			continue
		}
		if created {
			out.seeds = append(out.seeds, seed)
		}
	}

	for _, c := range result.Crashes {
		fp := crash.GenerateFingerprint(c)
		before, existed := s.crashes.Cluster(fp.Hash)
		cluster, created := s.crashes.AddCrash(c)
		switch {
		case created:
			out.events = append(out.events, clusterEvent(s.targetID, types.ClusterCreated, cluster))
			if !s.minimizing[fp.Hash] {
				s.minimizing[fp.Hash] = true
				out.minimize = append(out.minimize, cluster.Representative)
			}
		case existed && before.Representative.ID != cluster.Representative.ID:
			out.events = append(out.events, clusterEvent(s.targetID, types.ClusterUpdated, cluster))
		}
	}

	if _, err := s.corpus.EnforceCapacity(ctx); err != nil {
		s.logger.Error("failed to enforce corpus capacity", zap.Error(err))
		s.errs = multierror.Append(s.errs, err)
	}
	s.updateGauges()
	return out
}

// applyMinimized attaches a minimization result to its cluster and keeps the shrunk
// input as a seed
func (s *Session) applyMinimized(hash string, m *crash.MinimizedCrash) (types.ClusterEvent, *corpus.Seed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.minimizing, hash)

	if !s.crashes.OfferMinimized(hash, m) {
		return types.ClusterEvent{}, nil, false
	}
	cluster, _ := s.crashes.Cluster(hash)
	event := clusterEvent(s.targetID, types.ClusterMinimized, cluster)
	event.ReductionPercent = m.ReductionPercent

	var added *corpus.Seed
	seed, created := s.corpus.AddSeed(m.Input, corpus.SeedMeta{Source: corpus.SourceMinimized})
	if created {
		added = &seed
	}
	s.updateGauges()
	return event, added, true
}

func (s *Session) minimizationDone(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.minimizing, hash)
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = multierror.Append(s.errs, err)
}

// updateGauges must be called with s.mu held
func (s *Session) updateGauges() {
	metrics.CorpusSeeds.WithLabelValues(s.targetID).Set(float64(s.corpus.Len()))
	metrics.CorpusCoverage.WithLabelValues(s.targetID).Set(float64(len(s.corpus.Coverage())))
}

func clusterEvent(targetID string, kind types.ClusterEventKind, c crash.Cluster) types.ClusterEvent {
	return types.ClusterEvent{
		Kind:           kind,
		TargetID:       targetID,
		Fingerprint:    c.Fingerprint.Hash,
		Signal:         c.Fingerprint.Signal,
		Severity:       string(c.Severity),
		Count:          c.Count,
		Representative: c.Representative.Input,
	}
}

// Info summarises a session for scheduling decisions
type Info struct {
	TargetID       string
	Language       string
	Runnable       bool // has code to execute
	Seeds          int
	AvgEnergy      float64
	Executions     int
	UniqueClusters int
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.corpus.GetCorpusStats()
	return Info{
		TargetID:       s.targetID,
		Language:       s.language,
		Runnable:       s.code != "" && s.language != "",
		Seeds:          stats.SeedCount,
		AvgEnergy:      stats.AvgEnergy,
		Executions:     s.executions,
		UniqueClusters: s.crashes.Stats().UniqueClusters,
	}
}

func (s *Session) corpusLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corpus.Len()
}

func (s *Session) languageName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}
