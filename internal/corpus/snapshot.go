package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"fuzzcore/pkg/storage"
)

// Snapshot is the serialized state of a Store, enough to resume a session
type Snapshot struct {
	TargetID   string   `json:"target_id"`
	Version    int      `json:"version"`
	Generation int      `json:"generation"`
	Seeds      []Seed   `json:"seeds"`
	Coverage   []string `json:"coverage"`
	// seeds removed from memory whose archiving has not succeeded yet
	PendingArchive []Seed      `json:"pending_archive,omitempty"`
	Stats          CorpusStats `json:"stats"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Persister stores snapshots keyed by target and version
type Persister interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadLatest(ctx context.Context, targetID string) (*Snapshot, error)
}

// Archiver receives seeds leaving the in-memory tier
type Archiver interface {
	Archive(ctx context.Context, targetID string, seeds []Seed) error
}

func (s *Store) Snapshot() *Snapshot {
	seeds := make([]Seed, 0, len(s.seeds))
	for _, id := range slices.Sorted(maps.Keys(s.seeds)) {
		seeds = append(seeds, s.seeds[id].clone())
	}
	var pending []Seed
	for _, seed := range s.pendingArchive {
		pending = append(pending, seed.clone())
	}
	return &Snapshot{
		TargetID:   s.targetID,
		Version:    s.version,
		Generation: s.generation,
		Seeds:      seeds,
		Coverage:   s.Coverage(),
		Stats:      s.GetCorpusStats(),
		CreatedAt:  s.now(),

		PendingArchive: pending,
	}
}

// Restore replaces the store content with a snapshot. The snapshot coverage must be
// exactly the union of its seeds' coverage. Seeds still waiting for the archive tier are
// queued again.
func (s *Store) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}

	seeds := make(map[string]*Seed, len(snap.Seeds))
	seedCov := make(map[string]map[string]struct{}, len(snap.Seeds))
	union := make(map[string]struct{})
	for i := range snap.Seeds {
		seed := snap.Seeds[i].clone()
		if hash := ContentHash(seed.Content); hash != seed.ID {
			return fmt.Errorf("%w: seed %s does not match its content hash", ErrInvalidSnapshot, seed.ID)
		}
		units := make(map[string]struct{}, len(seed.Coverage))
		for _, unit := range seed.Coverage {
			units[unit] = struct{}{}
			union[unit] = struct{}{}
		}
		seeds[seed.ID] = &seed
		seedCov[seed.ID] = units
	}
	pending := make([]Seed, 0, len(snap.PendingArchive))
	for _, seed := range snap.PendingArchive {
		if hash := ContentHash(seed.Content); hash != seed.ID {
			return fmt.Errorf("%w: archived seed %s does not match its content hash", ErrInvalidSnapshot, seed.ID)
		}
		pending = append(pending, seed.clone())
	}
	if len(union) != len(snap.Coverage) {
		return fmt.Errorf("%w: coverage has %d units, seeds cover %d", ErrInvalidSnapshot, len(snap.Coverage), len(union))
	}
	for _, unit := range snap.Coverage {
		if _, ok := union[unit]; !ok {
			return fmt.Errorf("%w: unit %q not covered by any seed", ErrInvalidSnapshot, unit)
		}
	}

	s.targetID = snap.TargetID
	s.version = snap.Version
	s.generation = snap.Generation
	s.seeds = seeds
	s.seedCov = seedCov
	s.coverage = union
	s.coverageAtGen = len(union)
	s.addedSinceGen = 0
	s.pendingArchive = pending
	return nil
}

// Marshal encodes the snapshot as the opaque export format
func (snap *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(snap)
}

func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if snap.TargetID == "" {
		return nil, fmt.Errorf("%w: missing target id", ErrInvalidSnapshot)
	}
	return snap, nil
}

const (
	snapshotKeyTmpl = "corpus:%s:%d"     // corpus:<target_id>:<version>
	latestKeyTmpl   = "corpus:%s:latest" // corpus:<target_id>:latest --> version key
	archiveKeyTmpl  = "archive:%s:%s"    // archive:<target_id>:<seed_id>
)

// KVPersister implements Persister and Archiver on top of any storage.KV backend
type KVPersister struct {
	kv storage.KV
}

func NewKVPersister(kv storage.KV) *KVPersister {
	return &KVPersister{kv: kv}
}

func (p *KVPersister) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %w", ErrCorpusIO, err)
	}
	key := fmt.Sprintf(snapshotKeyTmpl, snap.TargetID, snap.Version)
	if err := p.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrCorpusIO, key, err)
	}
	if err := p.kv.Put(ctx, fmt.Sprintf(latestKeyTmpl, snap.TargetID), []byte(key)); err != nil {
		return fmt.Errorf("%w: update latest pointer: %w", ErrCorpusIO, err)
	}
	return nil
}

func (p *KVPersister) LoadLatest(ctx context.Context, targetID string) (*Snapshot, error) {
	key, err := p.kv.Get(ctx, fmt.Sprintf(latestKeyTmpl, targetID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read latest pointer: %w", ErrCorpusIO, err)
	}
	data, err := p.kv.Get(ctx, string(key))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCorpusIO, key, err)
	}
	return UnmarshalSnapshot(data)
}

func (p *KVPersister) Archive(ctx context.Context, targetID string, seeds []Seed) error {
	for _, seed := range seeds {
		data, err := json.Marshal(seed)
		if err != nil {
			return err
		}
		if err := p.kv.Put(ctx, fmt.Sprintf(archiveKeyTmpl, targetID, seed.ID), data); err != nil {
			return err
		}
	}
	return nil
}

// LoadArchived reads back one archived seed
func (p *KVPersister) LoadArchived(ctx context.Context, targetID, seedID string) (Seed, error) {
	data, err := p.kv.Get(ctx, fmt.Sprintf(archiveKeyTmpl, targetID, seedID))
	if errors.Is(err, storage.ErrNotFound) {
		return Seed{}, fmt.Errorf("%w: archived %s", ErrSeedNotFound, seedID)
	}
	if err != nil {
		return Seed{}, fmt.Errorf("%w: %w", ErrCorpusIO, err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("%w: decode archived seed: %w", ErrCorpusIO, err)
	}
	return seed, nil
}
