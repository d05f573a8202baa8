package types

type ClusterEventKind string

const (
	ClusterCreated   ClusterEventKind = "created"
	ClusterUpdated   ClusterEventKind = "updated"
	ClusterMinimized ClusterEventKind = "minimized"
)

// ClusterEvent is emitted by a session whenever one of its crash clusters changes
type ClusterEvent struct {
	Kind             ClusterEventKind `json:"kind"`
	TargetID         string           `json:"target_id"`
	Fingerprint      string           `json:"fingerprint"`
	Signal           string           `json:"signal"`
	Severity         string           `json:"severity"`
	Count            int              `json:"count"`
	Representative   []byte           `json:"-"`
	ReductionPercent float64          `json:"reduction_percent,omitempty"`
}

// SeedMessage announces one seed admitted into a session corpus
type SeedMessage struct {
	TargetID string
	SeedID   string
	Source   string
	Content  []byte
}

type SeedSyncMessage struct {
	TargetID string   `json:"target_id"`
	SeedIDs  []string `json:"seed_ids"`
	Bundle   string   `json:"bundle"` // path to the tar.gz holding the seed files
}
