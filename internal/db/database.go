package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"assetlens-go/config"
	"assetlens-go/internal/core/models"

	"github.com/glebarez/sqlite" // pure Go SQLite driver
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	openAttempts = 5
	openBackoff  = 2 * time.Second
)

// Initialize opens the database connection and runs migrations. Opening is
// retried with a fixed backoff so the process survives a storage backend
// that is not yet reachable at startup.
func Initialize(cfg config.DBConfig) (*gorm.DB, error) {
	if cfg.File != "" {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var conn *gorm.DB
	var err error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		log.Infof("Connecting to database: %s (attempt %d/%d)", cfg.File, attempt, openAttempts)
		conn, err = gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
			Logger: gormLogger,
		})
		if err == nil {
			break
		}
		log.WithError(err).Warnf("Database connection failed, retrying in %s", openBackoff)
		time.Sleep(openBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("database connection failed after %d attempts: %w", openAttempts, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Running database migrations...")
	if err := conn.AutoMigrate(
		&models.Photo{},
		&models.Run{},
		&models.Step{},
	); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migrations completed successfully")

	return conn, nil
}
