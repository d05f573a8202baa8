package database

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AddCrashRecords inserts crash records, a no-op for an empty slice
func AddCrashRecords(ctx context.Context, db *gorm.DB, records []*CrashRecord) error {
	if len(records) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(records).Error
}

func NewCrashRecord(
	targetID string,
	fingerprint string,
	event string,
	signal string,
	severity string,
	count int,
	poc string,
) *CrashRecord {
	return &CrashRecord{
		TargetID:    targetID,
		CreatedAt:   time.Now(),
		Fingerprint: fingerprint,
		Event:       event,
		Signal:      signal,
		Severity:    severity,
		Count:       count,
		POC:         poc,
	}
}

// ListCrashRecords returns the records of a target, newest first
func ListCrashRecords(ctx context.Context, db *gorm.DB, targetID string) ([]CrashRecord, error) {
	var records []CrashRecord
	err := db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at desc").
		Find(&records).Error
	return records, err
}

func AddSeedBundle(ctx context.Context, db *gorm.DB, bundle *SeedBundle) error {
	if bundle == nil {
		return nil
	}
	return db.WithContext(ctx).Create(bundle).Error
}

func NewSeedBundle(
	targetID string,
	path string,
	origin SeedOrigin,
	instance string,
	seedCount int,
	metric Metric,
) *SeedBundle {
	return &SeedBundle{
		TargetID:  targetID,
		CreatedAt: time.Now(),
		Path:      path,
		Origin:    origin,
		Instance:  instance,
		SeedCount: seedCount,
		Metric:    metric,
	}
}
