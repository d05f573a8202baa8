// Package session is the entry point of the engine. A Manager owns one Session per
// target, applies finished fuzzing tasks to it, minimizes new crash clusters in the
// background and persists corpora so a session can resume after a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"fuzzcore/config"
	"fuzzcore/internal/constraint"
	"fuzzcore/internal/corpus"
	"fuzzcore/internal/crash"
	"fuzzcore/internal/fuzz"
	"fuzzcore/internal/seeds"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/telemetry"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("no session for target")
	ErrClusterNotFound = errors.New("crash cluster not found")
	ErrClosed          = errors.New("session manager closed")
)

const (
	minimizeTimeout = 5 * time.Minute
	eventBuffer     = 256
)

// EventRouter consumes the cluster events of the manager
type EventRouter interface {
	RegisterEventChan(ctx context.Context, ch <-chan types.ClusterEvent)
}

// SeedRouter consumes the seeds admitted into any corpus
type SeedRouter interface {
	RegisterSeedChan(ch <-chan types.SeedMessage)
}

type ManagerOptions struct {
	Capacity           int
	PromoteCrashes     int
	PromoteUniqueUnits int
	DefaultLimits      types.Limits
	MaxMinimizations   int // concurrent background minimizations, 2 by default
	Severity           crash.SeverityPolicy
	Logger             *zap.Logger
}

// Manager is the external interface of the engine. It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	opts      ManagerOptions
	persister corpus.Persister
	archiver  corpus.Archiver
	analyzer  *constraint.Analyzer
	registry  *fuzz.ExecutorRegistry
	grabber   corpus.Grabber

	events   chan types.ClusterEvent
	seedMsgs chan types.SeedMessage
	sends    sync.WaitGroup // in-flight sends on events and seedMsgs

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	minSlot chan struct{}

	logger *zap.Logger
}

// Deps are the optional collaborators of a Manager; nil members are skipped
type Deps struct {
	Persister corpus.Persister
	Archiver  corpus.Archiver
	Analyzer  *constraint.Analyzer
	Registry  *fuzz.ExecutorRegistry
	Grabber   corpus.Grabber
	Events    EventRouter
	Seeds     SeedRouter
}

func New(opts ManagerOptions, deps Deps) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMinimizations <= 0 {
		opts.MaxMinimizations = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:  make(map[string]*Session),
		opts:      opts,
		persister: deps.Persister,
		archiver:  deps.Archiver,
		analyzer:  deps.Analyzer,
		registry:  deps.Registry,
		grabber:   deps.Grabber,
		ctx:       ctx,
		cancel:    cancel,
		minSlot:   make(chan struct{}, opts.MaxMinimizations),
		logger:    opts.Logger,
	}
	if deps.Events != nil {
		m.events = make(chan types.ClusterEvent, eventBuffer)
		deps.Events.RegisterEventChan(ctx, m.events)
	}
	if deps.Seeds != nil {
		m.seedMsgs = make(chan types.SeedMessage, eventBuffer)
		deps.Seeds.RegisterSeedChan(m.seedMsgs)
	}
	return m
}

type ManagerParams struct {
	fx.In

	Config       *config.AppConfig
	Logger       *zap.Logger
	Lifecycle    fx.Lifecycle
	Registry     *fuzz.ExecutorRegistry
	Persister    *corpus.KVPersister   `optional:"true"`
	Analyzer     *constraint.Analyzer  `optional:"true"`
	Grabber      *corpus.CorpusGrabber `optional:"true"`
	CrashManager *crash.CrashManager   `optional:"true"`
	SeedManager  *seeds.SeedManager    `optional:"true"`
}

func NewManager(p ManagerParams) *Manager {
	deps := Deps{Registry: p.Registry}
	if p.Persister != nil {
		deps.Persister = p.Persister
		deps.Archiver = p.Persister
	}
	if p.Analyzer != nil {
		deps.Analyzer = p.Analyzer
	}
	if p.Grabber != nil {
		deps.Grabber = p.Grabber
	}
	if p.CrashManager != nil {
		deps.Events = p.CrashManager
	}
	if p.SeedManager != nil {
		deps.Seeds = p.SeedManager
	}

	m := New(ManagerOptions{
		Capacity:           p.Config.CorpusConfig.Capacity,
		PromoteCrashes:     p.Config.CorpusConfig.PromoteCrashes,
		PromoteUniqueUnits: p.Config.CorpusConfig.PromoteUniqueUnits,
		DefaultLimits: types.Limits{
			ExecTimeout:   p.Config.FuzzConfig.ExecTimeout,
			MemoryLimitMB: p.Config.FuzzConfig.MemoryLimitMB,
			Iterations:    p.Config.FuzzConfig.IterationsPerTask,
		},
		Logger: p.Logger.Named("session"),
	}, deps)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			err := m.PersistAll(ctx)
			m.Close()
			return err
		},
	})
	return m
}

// SubmitTarget begins a session for targetID, or continues the existing one with the
// given code and options. A new session resumes from the latest persisted snapshot when
// there is one. When the analyzer is available the code is scanned for branch
// conditions; with SeedFromAnalyzer each solved condition becomes a generated seed.
func (m *Manager) SubmitTarget(ctx context.Context, targetID, code, language string, opts Options) (*Handle, error) {
	if targetID == "" {
		return nil, errors.New("empty target id")
	}
	s, created, err := m.getOrCreate(ctx, targetID, true)
	if err != nil {
		return nil, err
	}

	tracer := telemetry.FromContext(ctx).Spawn("submit target").
		WithAttributes(telemetry.NewSpanAttributes(telemetry.CorpusMaintenance).
			WithTargetID(targetID).
			WithLanguage(language))
	tracer.Start()
	defer tracer.End()

	s.configure(code, language, opts)
	m.publishSeeds(s.targetID, s.addSeeds(opts.Seeds, corpus.SeedMeta{Source: corpus.SourceManual}))

	if code != "" {
		m.analyze(ctx, s, code, s.languageName(), opts.SeedFromAnalyzer)
	}

	if created && m.grabber != nil && s.corpusLen() == 0 {
		grabbed, err := m.grabber.GrabSeeds(ctx, targetID)
		if err != nil {
			s.logger.Info("no bootstrap seeds", zap.Error(err))
		}
		m.publishSeeds(s.targetID, s.addSeeds(grabbed, corpus.SeedMeta{Source: corpus.SourceManual}))
	}

	s.logger.Info("target submitted",
		zap.String("language", s.languageName()),
		zap.Bool("new_session", created),
		zap.Int("seeds", s.corpusLen()))
	return &Handle{s: s}, nil
}

// analyze extracts the branch conditions of the target code. A parse failure is only a
// diagnostic: the session keeps fuzzing without generated inputs.
func (m *Manager) analyze(ctx context.Context, s *Session, code, language string, seedCorpus bool) {
	if m.analyzer == nil {
		return
	}
	constraints, err := m.analyzer.ExtractConstraints(ctx, []byte(code), language)
	if err != nil {
		s.logger.Warn("constraint extraction failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.constraints = constraints
	s.addTokens(constraint.Dictionary(constraints))
	s.mu.Unlock()

	if !seedCorpus {
		return
	}
	inputs, err := m.analyzer.AnalyzePathConstraints(ctx, constraints)
	if err != nil {
		s.logger.Warn("constraint solving failed", zap.Error(err))
		return
	}
	contents := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		contents = append(contents, in.Content())
	}
	added := s.addSeeds(contents, corpus.SeedMeta{Source: corpus.SourceGenerated})
	s.logger.Info("corpus seeded from branch conditions",
		zap.Int("constraints", len(constraints)),
		zap.Int("solved", len(inputs)),
		zap.Int("added", len(added)))
	m.publishSeeds(s.targetID, added)
}

func (m *Manager) getOrCreate(ctx context.Context, targetID string, resume bool) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if s, ok := m.sessions[targetID]; ok {
		return s, false, nil
	}

	logger := m.logger.With(zap.String("target_id", targetID))
	store := corpus.NewStore(targetID, corpus.Options{
		Capacity:           m.opts.Capacity,
		Archiver:           m.archiver,
		PromoteCrashes:     m.opts.PromoteCrashes,
		PromoteUniqueUnits: m.opts.PromoteUniqueUnits,
		Logger:             m.logger,
	})
	if resume && m.persister != nil {
		snap, err := m.persister.LoadLatest(ctx, targetID)
		switch {
		case errors.Is(err, corpus.ErrSnapshotNotFound):
		case err != nil:
			return nil, false, err
		default:
			if err := store.Restore(snap); err != nil {
				return nil, false, err
			}
			logger.Info("session resumed from snapshot",
				zap.Int("version", snap.Version),
				zap.Int("seeds", len(snap.Seeds)))
		}
	}

	s := newSession(targetID, store, crash.NewDeduplicator(m.opts.Severity, logger), m.logger)
	s.limits = m.opts.DefaultLimits
	m.sessions[targetID] = s
	return s, true, nil
}

func (m *Manager) session(targetID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[targetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, targetID)
	}
	return s, nil
}

func (m *Manager) Session(targetID string) (*Handle, error) {
	s, err := m.session(targetID)
	if err != nil {
		return nil, err
	}
	return &Handle{s: s}, nil
}

// Sessions lists every session ordered by target id
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	ids := slices.Sorted(maps.Keys(m.sessions))
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// CloseSession forgets a target. Its persisted snapshots are kept.
func (m *Manager) CloseSession(targetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[targetID]; !ok {
		return false
	}
	delete(m.sessions, targetID)
	m.logger.Info("session closed", zap.String("target_id", targetID))
	return true
}

func (m *Manager) GetCorpusStats(targetID string) (corpus.CorpusStats, error) {
	s, err := m.session(targetID)
	if err != nil {
		return corpus.CorpusStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corpus.GetCorpusStats(), nil
}

// GetClusters returns the crash clusters of a target, most severe first
func (m *Manager) GetClusters(targetID string) ([]crash.Cluster, error) {
	s, err := m.session(targetID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashes.Clusters(), nil
}

// ExportCluster finds a cluster by fingerprint hash in any session
func (m *Manager) ExportCluster(fingerprint string) (*crash.ClusterReport, error) {
	m.mu.RLock()
	sessions := slices.Collect(maps.Values(m.sessions))
	m.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		report, ok := s.crashes.ExportCluster(fingerprint)
		s.mu.Unlock()
		if ok {
			return report, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, fingerprint)
}

// ExportCorpus serializes the corpus of a target as an opaque snapshot
func (m *Manager) ExportCorpus(targetID string) ([]byte, error) {
	s, err := m.session(targetID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	snap := s.corpus.Snapshot()
	s.mu.Unlock()
	return snap.Marshal()
}

// ImportCorpus replaces the corpus of the snapshot's target, creating the session when
// needed. The session cannot run until code is submitted for it.
func (m *Manager) ImportCorpus(ctx context.Context, data []byte) (*Handle, error) {
	snap, err := corpus.UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	s, _, err := m.getOrCreate(ctx, snap.TargetID, false)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	err = s.corpus.Restore(snap)
	s.updateGauges()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.logger.Info("corpus imported", zap.Int("seeds", len(snap.Seeds)), zap.Int("version", snap.Version))
	return &Handle{s: s}, nil
}

// ImportSeedFile adds a file as a manual seed of an existing session
func (m *Manager) ImportSeedFile(targetID, path string) error {
	s, err := m.session(targetID)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	m.publishSeeds(s.targetID, s.addSeeds([][]byte{content}, corpus.SeedMeta{Source: corpus.SourceManual}))
	return nil
}

// Evolve runs a corpus minimization pass for a target and archives what it pruned
func (m *Manager) Evolve(ctx context.Context, targetID string) (corpus.EvolutionMetrics, error) {
	s, err := m.session(targetID)
	if err != nil {
		return corpus.EvolutionMetrics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	em := s.corpus.MinimizeCorpus()
	s.updateGauges()
	if err := s.corpus.ArchivePending(ctx); err != nil {
		s.errs = multierror.Append(s.errs, err)
		return em, err
	}
	return em, nil
}

// PersistAll archives pending seeds and saves a snapshot of every session. Failures of
// one session do not stop the others; they are returned together.
func (m *Manager) PersistAll(ctx context.Context) error {
	m.mu.RLock()
	ids := slices.Sorted(maps.Keys(m.sessions))
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()

	var errs *multierror.Error
	for _, s := range sessions {
		s.mu.Lock()
		archiveErr := s.corpus.ArchivePending(ctx)
		snap := s.corpus.Snapshot()
		s.mu.Unlock()

		if archiveErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.targetID, archiveErr))
		}
		if m.persister == nil {
			continue
		}
		if err := m.persister.SaveSnapshot(ctx, snap); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.targetID, err))
			continue
		}
		s.logger.Debug("corpus persisted", zap.Int("version", snap.Version), zap.Int("seeds", len(snap.Seeds)))
	}
	return errs.ErrorOrNil()
}

// ApplyResult merges a completed task into its session. It implements fuzz.ResultSink.
func (m *Manager) ApplyResult(task *types.WorkerTask, result *types.FuzzResult) {
	s, err := m.session(result.TargetID)
	if err != nil {
		m.logger.Warn("result for unknown session dropped", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	out := s.apply(m.ctx, result)
	m.publishSeeds(s.targetID, out.seeds)
	for _, event := range out.events {
		m.emit(event)
	}
	for _, rep := range out.minimize {
		m.minimize(s, rep)
	}
}

// TaskFailed records retry-exhausted worker faults as session errors
func (m *Manager) TaskFailed(task *types.WorkerTask, err error) {
	logger := m.logger.With(zap.String("task_id", task.ID), zap.String("target_id", task.Target.TargetID))
	if !errors.Is(err, fuzz.ErrWorkerFault) {
		logger.Debug("task did not complete", zap.Error(err))
		return
	}
	logger.Error("task failed after retries", zap.Error(err))
	if s, serr := m.session(task.Target.TargetID); serr == nil {
		s.recordError(err)
	}
}

// minimize shrinks a new cluster's representative in the background
func (m *Manager) minimize(s *Session, rep types.CrashInfo) {
	hash := crash.GenerateFingerprint(rep).Hash
	oracle := m.oracleFor(s, rep)
	if oracle == nil {
		s.minimizationDone(hash)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case m.minSlot <- struct{}{}:
			defer func() { <-m.minSlot }()
		case <-m.ctx.Done():
			s.minimizationDone(hash)
			return
		}

		ctx, cancel := context.WithTimeout(m.ctx, minimizeTimeout)
		defer cancel()
		logger := s.logger.With(zap.String("fingerprint", hash))

		result, err := crash.Minimize(ctx, rep, oracle)
		if result == nil {
			s.minimizationDone(hash)
			if errors.Is(err, crash.ErrNotReproducible) {
				logger.Info("crash does not reproduce, representative kept")
			} else {
				logger.Warn("minimization failed", zap.Error(err))
			}
			return
		}
		if err != nil {
			logger.Warn("minimization aborted, keeping best verified input", zap.Error(err))
		}
		var rc crash.RootCause
		if result.RootCause != nil {
			rc = *result.RootCause
		}

		event, seed, ok := s.applyMinimized(hash, result)
		if !ok {
			return
		}
		logger.Info("crash minimized",
			zap.Int("original_size", result.OriginalSize),
			zap.Int("minimized_size", result.MinimizedSize),
			zap.Float64("reduction_percent", result.ReductionPercent),
			zap.String("likely_cause", rc.LikelyCause))
		m.emit(event)
		if seed != nil {
			m.publishSeeds(s.targetID, []corpus.Seed{*seed})
		}
		m.regressionInputs(ctx, s, slices.Concat(rep.TaintedVars, rc.SuspectVars))
	}()
}

func (m *Manager) oracleFor(s *Session, rep types.CrashInfo) crash.Oracle {
	s.mu.Lock()
	oracle := s.oracle
	target := &types.FuzzTarget{TargetID: s.targetID, Code: s.code, Language: s.language, Limits: s.limits}
	s.mu.Unlock()
	if oracle != nil {
		return oracle
	}
	if m.registry == nil || target.Code == "" {
		return nil
	}
	executor, err := m.registry.Lookup(target.Language)
	if err != nil {
		return nil
	}
	return crash.OracleFromExecutor(fuzz.Reproducer{Executor: executor, Target: target}, rep)
}

// regressionInputs solves the branch conditions mentioning the variables a crash
// depends on and adds the answers as generated seeds
func (m *Manager) regressionInputs(ctx context.Context, s *Session, vars []string) {
	if m.analyzer == nil || len(vars) == 0 {
		return
	}
	s.mu.Lock()
	related := constraint.ReferencingAny(s.constraints, vars)
	s.mu.Unlock()
	if len(related) == 0 {
		return
	}
	inputs, err := m.analyzer.AnalyzePathConstraints(ctx, related)
	if err != nil {
		s.logger.Debug("regression inputs not solved", zap.Error(err))
		return
	}
	contents := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		contents = append(contents, in.Content())
	}
	added := s.addSeeds(contents, corpus.SeedMeta{Source: corpus.SourceGenerated})
	s.logger.Debug("regression inputs added", zap.Strings("vars", vars), zap.Int("added", len(added)))
	m.publishSeeds(s.targetID, added)
}

// openChannels registers a send and returns the outbound channels, or ok=false once the
// manager is closed. Callers send without holding m.mu and call m.sends.Done after.
func (m *Manager) openChannels() (events chan<- types.ClusterEvent, seeds chan<- types.SeedMessage, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, false
	}
	m.sends.Add(1)
	return m.events, m.seedMsgs, true
}

func (m *Manager) emit(event types.ClusterEvent) {
	events, _, ok := m.openChannels()
	if !ok {
		return
	}
	defer m.sends.Done()
	if events == nil {
		return
	}
	select {
	case events <- event:
	case <-m.ctx.Done():
	}
}

func (m *Manager) publishSeeds(targetID string, seeds []corpus.Seed) {
	if len(seeds) == 0 {
		return
	}
	_, out, ok := m.openChannels()
	if !ok {
		return
	}
	defer m.sends.Done()
	if out == nil {
		return
	}
	for _, seed := range seeds {
		select {
		case out <- types.SeedMessage{
			TargetID: targetID,
			SeedID:   seed.ID,
			Source:   string(seed.Source),
			Content:  seed.Content,
		}:
		case <-m.ctx.Done():
			return
		}
	}
}

// Close stops background minimizations and releases the event channels. Sessions stay
// readable.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	// canceled sends return promptly
	m.sends.Wait()
	if m.events != nil {
		close(m.events)
	}
	if m.seedMsgs != nil {
		close(m.seedMsgs)
	}
}
