package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"assetlens-go/internal/core/models"
	"assetlens-go/internal/db/repository"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service removes photos, their runs/steps and the associated files once
// they exceed the configured retention.
type Service struct {
	db            *gorm.DB
	repo          repository.Repository
	retentionDays int
	dataDir       string
	overlayDir    string
	checkInterval time.Duration
	stopChan      chan struct{}
}

// NewService creates a new cleanup service. Returns nil when cleanup is
// disabled (retentionDays <= 0).
func NewService(db *gorm.DB, repo repository.Repository, retentionDays int, dataDir, overlayDir string, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0).")
		return nil
	}
	if db == nil || repo == nil {
		log.Error("Cannot initialize cleanup service: database is nil")
		return nil
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, CheckInterval=%s", retentionDays, checkInterval)
	return &Service{
		db:            db,
		repo:          repo,
		retentionDays: retentionDays,
		dataDir:       dataDir,
		overlayDir:    overlayDir,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// StartBackgroundCleanup starts a goroutine that periodically runs the
// cleanup cycle, including once immediately on start.
func (s *Service) StartBackgroundCleanup() {
	if s == nil {
		return
	}
	log.Info("Starting background cleanup routine...")

	go func() {
		s.RunCleanupCycle()

		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunCleanupCycle()
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine.")
				return
			}
		}
	}()
}

// StopBackgroundCleanup signals the background routine to stop.
func (s *Service) StopBackgroundCleanup() {
	if s == nil || s.stopChan == nil {
		return
	}
	close(s.stopChan)
}

// RunCleanupCycle deletes everything older than the retention window.
func (s *Service) RunCleanupCycle() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	log.Infof("Running cleanup cycle, removing photos uploaded before %s", cutoff.Format(time.RFC3339))

	var photos []models.Photo
	if err := s.db.Where("uploaded_at < ?", cutoff).Find(&photos).Error; err != nil {
		log.WithError(err).Error("Cleanup: failed to query expired photos")
		return
	}

	removed := 0
	for _, photo := range photos {
		if err := s.deletePhoto(&photo); err != nil {
			log.WithError(err).Warnf("Cleanup: failed to delete photo %d", photo.ID)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Infof("Cleanup cycle removed %d photos", removed)
	}
}

// deletePhoto removes the photo's files (upload and per-run overlays) and
// then the database records.
func (s *Service) deletePhoto(photo *models.Photo) error {
	runs, err := s.repo.GetRunsByPhotoID(photo.ID)
	if err != nil {
		return fmt.Errorf("failed to load runs: %w", err)
	}
	for _, run := range runs {
		overlayFile := filepath.Join(s.overlayDir, fmt.Sprintf("run_%d.jpg", run.ID))
		if err := os.Remove(overlayFile); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("Cleanup: failed to remove overlay %s", overlayFile)
		}
	}

	stored := photo.StoredPath
	if stored != "" && !filepath.IsAbs(stored) {
		stored = filepath.Join(s.dataDir, stored)
	}
	if stored != "" {
		if err := os.Remove(stored); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("Cleanup: failed to remove photo file %s", stored)
		}
	}

	return s.repo.DeletePhoto(photo.ID)
}
