package crash

import (
	"cmp"
	"slices"
	"time"

	"fuzzcore/internal/types"

	"go.uber.org/zap"
)

// Cluster groups every crash sharing one fingerprint
type Cluster struct {
	Fingerprint    Fingerprint
	Count          int
	FirstSeen      time.Time
	LastSeen       time.Time
	Crashes        []types.CrashInfo
	Representative types.CrashInfo
	Severity       Severity
	Exploitability Exploitability
	Minimized      *MinimizedCrash
}

func (c *Cluster) clone() Cluster {
	out := *c
	out.Crashes = slices.Clone(c.Crashes)
	if c.Minimized != nil {
		m := *c.Minimized
		out.Minimized = &m
	}
	return out
}

type Stats struct {
	TotalCrashes      int              `json:"total_crashes"`
	UniqueClusters    int              `json:"unique_clusters"`
	DeduplicationRate float64          `json:"deduplication_rate"`
	BySeverity        map[Severity]int `json:"by_severity"`
	BySignal          map[string]int   `json:"by_signal"`
	Minimized         int              `json:"minimized"`
}

// Deduplicator owns the crash clusters of one session. It is not safe for concurrent
// use; the owning session serializes access.
type Deduplicator struct {
	clusters map[string]*Cluster
	order    []string // fingerprint hashes in creation order
	total    int

	policy SeverityPolicy
	logger *zap.Logger
}

func NewDeduplicator(policy SeverityPolicy, logger *zap.Logger) *Deduplicator {
	if policy == nil {
		policy = DefaultSeverityPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		clusters: make(map[string]*Cluster),
		policy:   policy,
		logger:   logger,
	}
}

// AddCrash files a crash under its fingerprint. created reports whether the crash
// opened a new cluster. The representative only changes for a strictly smaller input.
func (d *Deduplicator) AddCrash(crash types.CrashInfo) (cluster Cluster, created bool) {
	fp := GenerateFingerprint(crash)
	if crash.Timestamp.IsZero() {
		crash.Timestamp = time.Now()
	}
	d.total++

	c, ok := d.clusters[fp.Hash]
	if !ok {
		severity, exploitability := d.policy.Assess(fp, crash)
		c = &Cluster{
			Fingerprint:    fp,
			FirstSeen:      crash.Timestamp,
			Representative: crash,
			Severity:       severity,
			Exploitability: exploitability,
		}
		d.clusters[fp.Hash] = c
		d.order = append(d.order, fp.Hash)
		d.logger.Info("new crash cluster",
			zap.String("fingerprint", fp.Hash),
			zap.String("signal", fp.Signal),
			zap.String("severity", string(severity)))
	} else if len(crash.Input) < len(c.Representative.Input) {
		c.Representative = crash
	}

	c.Crashes = append(c.Crashes, crash)
	c.Count = len(c.Crashes)
	if crash.Timestamp.After(c.LastSeen) {
		c.LastSeen = crash.Timestamp
	}
	return c.clone(), !ok
}

// OfferMinimized attaches a minimization result to its cluster and swaps the
// representative input when the minimized one is strictly smaller. Returns false for
// an unknown cluster.
func (d *Deduplicator) OfferMinimized(hash string, m *MinimizedCrash) bool {
	c, ok := d.clusters[hash]
	if !ok || m == nil {
		return false
	}
	c.Minimized = m
	if len(m.Input) < len(c.Representative.Input) {
		rep := c.Representative
		rep.Input = slices.Clone(m.Input)
		c.Representative = rep
	}
	return true
}

func (d *Deduplicator) Cluster(hash string) (Cluster, bool) {
	c, ok := d.clusters[hash]
	if !ok {
		return Cluster{}, false
	}
	return c.clone(), true
}

// Clusters returns every cluster, most severe first, then by first sighting
func (d *Deduplicator) Clusters() []Cluster {
	out := make([]Cluster, 0, len(d.order))
	for _, hash := range d.order {
		out = append(out, d.clusters[hash].clone())
	}
	slices.SortStableFunc(out, func(a, b Cluster) int {
		return cmp.Compare(severityRank(b.Severity), severityRank(a.Severity))
	})
	return out
}

func (d *Deduplicator) Stats() Stats {
	stats := Stats{
		TotalCrashes:   d.total,
		UniqueClusters: len(d.clusters),
		BySeverity:     make(map[Severity]int),
		BySignal:       make(map[string]int),
	}
	if d.total > 0 {
		stats.DeduplicationRate = 1 - float64(len(d.clusters))/float64(d.total)
	}
	for _, c := range d.clusters {
		stats.BySeverity[c.Severity]++
		stats.BySignal[c.Fingerprint.Signal]++
		if c.Minimized != nil {
			stats.Minimized++
		}
	}
	return stats
}

// ClusterReport is the exported, serializable view of one cluster
type ClusterReport struct {
	Fingerprint    Fingerprint     `json:"fingerprint"`
	Count          int             `json:"count"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
	Severity       Severity        `json:"severity"`
	Exploitability Exploitability  `json:"exploitability,omitempty"`
	Representative types.CrashInfo `json:"representative"`
	CrashIDs       []string        `json:"crash_ids"`
	Minimized      *MinimizedCrash `json:"minimized,omitempty"`
}

func (d *Deduplicator) ExportCluster(hash string) (*ClusterReport, bool) {
	c, ok := d.clusters[hash]
	if !ok {
		return nil, false
	}
	report := &ClusterReport{
		Fingerprint:    c.Fingerprint,
		Count:          c.Count,
		FirstSeen:      c.FirstSeen,
		LastSeen:       c.LastSeen,
		Severity:       c.Severity,
		Exploitability: c.Exploitability,
		Representative: c.Representative,
		CrashIDs:       make([]string, 0, len(c.Crashes)),
	}
	for _, crash := range c.Crashes {
		report.CrashIDs = append(report.CrashIDs, crash.ID)
	}
	if c.Minimized != nil {
		m := *c.Minimized
		report.Minimized = &m
	}
	return report, true
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
