package repository

import (
	"errors"

	"assetlens-go/internal/core/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository defines the persistence operations used by the handlers and the
// pipeline executor.
type Repository interface {
	// Photo methods
	CreatePhoto(photo *models.Photo) error
	GetPhotoByID(id uint) (*models.Photo, error)
	GetPhotos(limit, offset int) ([]models.Photo, int64, error)
	DeletePhoto(id uint) error

	// Run methods
	CreateRunWithSteps(run *models.Run, stepNames []string) error
	GetRunByID(id uint) (*models.Run, error)
	GetRunsByPhotoID(photoID uint) ([]models.Run, error)
	UpdateRunStatus(runID uint, status string) error

	// Step methods
	GetStep(runID uint, name string) (*models.Step, error)
	UpdateStep(runID uint, name, status string, details []byte) error
}

// SQLiteRepository implements Repository on top of GORM/SQLite.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreatePhoto inserts a new photo record.
func (r *SQLiteRepository) CreatePhoto(photo *models.Photo) error {
	return r.db.Create(photo).Error
}

// GetPhotoByID fetches a photo by its ID.
func (r *SQLiteRepository) GetPhotoByID(id uint) (*models.Photo, error) {
	var photo models.Photo
	result := r.db.First(&photo, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &photo, nil
}

// GetPhotos fetches photos with pagination, newest first.
func (r *SQLiteRepository) GetPhotos(limit, offset int) ([]models.Photo, int64, error) {
	var photos []models.Photo
	var total int64

	r.db.Model(&models.Photo{}).Count(&total)
	result := r.db.Order("uploaded_at DESC").Limit(limit).Offset(offset).Find(&photos)
	if result.Error != nil {
		return nil, 0, result.Error
	}
	return photos, total, nil
}

// DeletePhoto removes a photo together with its runs and their steps. The
// cascade runs inside one transaction so a partial delete never survives.
func (r *SQLiteRepository) DeletePhoto(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var runIDs []uint
		if err := tx.Model(&models.Run{}).Where("photo_id = ?", id).Pluck("id", &runIDs).Error; err != nil {
			return err
		}
		if len(runIDs) > 0 {
			if err := tx.Where("run_id IN ?", runIDs).Delete(&models.Step{}).Error; err != nil {
				return err
			}
			if err := tx.Where("photo_id = ?", id).Delete(&models.Run{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Photo{}, id).Error
	})
}

// CreateRunWithSteps inserts the run and one pending step per template name,
// in template order, as a single atomic unit.
func (r *SQLiteRepository) CreateRunWithSteps(run *models.Run, stepNames []string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for _, name := range stepNames {
			step := models.Step{
				RunID:   run.ID,
				Name:    name,
				Status:  models.StepStatusPending,
				Details: datatypes.JSON([]byte("{}")),
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
			run.Steps = append(run.Steps, step)
		}
		return nil
	})
}

// GetRunByID fetches a run with its steps in template (creation) order.
func (r *SQLiteRepository) GetRunByID(id uint) (*models.Run, error) {
	var run models.Run
	result := r.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("steps.id ASC")
	}).Preload("Photo").First(&run, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &run, nil
}

// GetRunsByPhotoID fetches all runs for a photo, newest first.
func (r *SQLiteRepository) GetRunsByPhotoID(photoID uint) ([]models.Run, error) {
	var runs []models.Run
	result := r.db.Where("photo_id = ?", photoID).Order("created_at DESC").Find(&runs)
	if result.Error != nil {
		return nil, result.Error
	}
	return runs, nil
}

// UpdateRunStatus sets the status of a run.
func (r *SQLiteRepository) UpdateRunStatus(runID uint, status string) error {
	return r.db.Model(&models.Run{}).Where("id = ?", runID).Update("status", status).Error
}

// GetStep fetches a single step of a run by name.
func (r *SQLiteRepository) GetStep(runID uint, name string) (*models.Step, error) {
	var step models.Step
	result := r.db.Where("run_id = ? AND name = ?", runID, name).First(&step)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &step, nil
}

// UpdateStep sets the status of a step and, if details is non-nil, replaces
// its details payload.
func (r *SQLiteRepository) UpdateStep(runID uint, name, status string, details []byte) error {
	updates := map[string]interface{}{"status": status}
	if details != nil {
		updates["details"] = datatypes.JSON(details)
	}
	return r.db.Model(&models.Step{}).
		Where("run_id = ? AND name = ?", runID, name).
		Updates(updates).Error
}
