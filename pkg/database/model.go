package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SeedOrigin is the seed_origin enum of the seeds table
type SeedOrigin string

const (
	OriginFuzz      SeedOrigin = "fuzz"
	OriginAnalyzer  SeedOrigin = "analyzer"
	OriginMinimizer SeedOrigin = "minimizer"
	OriginImport    SeedOrigin = "import"
)

// SeedBundle represents a record in the public.seed_bundles table
type SeedBundle struct {
	ID        int        `gorm:"primaryKey;column:id"`
	TargetID  string     `gorm:"column:target_id;not null;index"`
	CreatedAt time.Time  `gorm:"column:created_at;default:now()"`
	Path      string     `gorm:"column:path"`
	Origin    SeedOrigin `gorm:"column:origin"`
	Instance  string     `gorm:"column:instance"`
	SeedCount int        `gorm:"column:seed_count"`
	Metric    Metric     `gorm:"column:metric;type:jsonb"`
}

// CrashRecord represents a record in the public.crashes table, one row per cluster event
type CrashRecord struct {
	ID               int       `gorm:"primaryKey;column:id"`
	TargetID         string    `gorm:"column:target_id;not null;index"`
	CreatedAt        time.Time `gorm:"column:created_at;default:now()"`
	Fingerprint      string    `gorm:"column:fingerprint;not null;index"`
	Event            string    `gorm:"column:event;not null"`
	Signal           string    `gorm:"column:signal"`
	Severity         string    `gorm:"column:severity"`
	Count            int       `gorm:"column:count"`
	POC              string    `gorm:"column:poc;not null"`
	ReductionPercent float64   `gorm:"column:reduction_percent"`
	Metric           Metric    `gorm:"column:metric;type:jsonb"`
}

// Metric represents a free form jsonb column
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("metric column is neither []byte nor string")
	}
	return json.Unmarshal(raw, m)
}
