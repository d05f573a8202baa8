package database

import (
	"fuzzcore/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDBConnection opens the crash record database. It returns nil when DATABASE_URL is
// not configured; consumers skip persistence in that case.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if appConfig.DatabaseURL == "" {
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(appConfig.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Error("failed to connect database", zap.Error(err))
		return nil, err
	}
	if err := db.AutoMigrate(&CrashRecord{}, &SeedBundle{}); err != nil {
		logger.Error("failed to migrate database", zap.Error(err))
		return nil, err
	}
	logger.Debug("connected to database")
	return db, nil
}
