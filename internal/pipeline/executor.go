package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"assetlens-go/config"
	"assetlens-go/internal/core/models"
	"assetlens-go/internal/db/repository"
	"assetlens-go/internal/detect"

	log "github.com/sirupsen/logrus"
)

// ErrRunActive is returned when a second execution of the same run id is
// requested while the first one is still in flight.
var ErrRunActive = errors.New("run is already executing")

// ErrRunNotFound is returned when the referenced run does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunNotifier receives run lifecycle events. Implementations must be safe
// for concurrent use; a nil notifier disables notifications.
type RunNotifier interface {
	PublishRunEvent(runID, photoID uint, status string)
}

// runState is the shared state of one run execution. Later stages consume
// the outputs earlier stages leave here.
type runState struct {
	run       *models.Run
	photoPath string
	metadata  map[string]string
	gate      models.GateDetails
	det       models.DetectionStepDetails
	cond      models.ConditionDetails
}

// Executor advances runs through the fixed pipeline template, one stage at a
// time, persisting each step transition before the next stage starts.
type Executor struct {
	repo     repository.Repository
	cfg      *config.Config
	detector detect.ObjectDetector
	notifier RunNotifier

	activeMu sync.Mutex
	active   map[uint]struct{}

	stages []Stage
}

// NewExecutor creates a pipeline executor.
func NewExecutor(repo repository.Repository, cfg *config.Config, detector detect.ObjectDetector, notifier RunNotifier) *Executor {
	e := &Executor{
		repo:     repo,
		cfg:      cfg,
		detector: detector,
		notifier: notifier,
		active:   make(map[uint]struct{}),
	}
	e.stages = []Stage{
		{StageIngest, e.runIngest},
		{StageExtractMetadata, e.runExtractMetadata},
		{StageUtilityGate, e.runUtilityGate},
		{StageAssetDetection, e.runAssetDetection},
		{StageConditionAssessment, e.runConditionAssessment},
		{StageSummary, e.runSummary},
	}
	return e
}

// CreateRun inserts a queued run for the photo with one pending step per
// template name, all in one transaction. The detector configuration is
// snapshotted onto the run and never changes afterwards.
func (e *Executor) CreateRun(photoID uint, detectorCfg models.DetectorConfig) (*models.Run, error) {
	run := &models.Run{
		PhotoID:  photoID,
		Status:   models.RunStatusQueued,
		Detector: detectorCfg,
	}
	if err := e.repo.CreateRunWithSteps(run, Template()); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// Execute runs the full pipeline for one run. Stages execute strictly in
// template order; the first failure marks the step and the run failed and
// stops execution, leaving the remaining steps pending. Concurrent
// executions of the same run id are rejected with ErrRunActive.
func (e *Executor) Execute(runID uint) error {
	if !e.acquire(runID) {
		return fmt.Errorf("%w: run %d", ErrRunActive, runID)
	}
	defer e.release(runID)

	run, err := e.repo.GetRunByID(runID)
	if err != nil {
		return fmt.Errorf("failed to load run %d: %w", runID, err)
	}
	if run == nil {
		return fmt.Errorf("%w: run %d", ErrRunNotFound, runID)
	}

	log.Infof("Executing run %d for photo %d", run.ID, run.PhotoID)
	if err := e.repo.UpdateRunStatus(run.ID, models.RunStatusRunning); err != nil {
		return fmt.Errorf("failed to mark run %d running: %w", runID, err)
	}

	st := &runState{
		run:       run,
		photoPath: e.photoPath(run),
	}

	// Top-level guard: an unexpected panic in a stage handler marks the
	// run failed instead of taking down the worker or other runs.
	currentStage := ""
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Run %d panicked in stage %s: %v", run.ID, currentStage, r)
			if currentStage != "" {
				e.persistFailure(run.ID, currentStage, fmt.Sprintf("internal error: %v", r))
			}
			e.finish(run, models.RunStatusFailed)
		}
	}()

	for _, stage := range e.stages {
		currentStage = stage.Name
		if err := e.repo.UpdateStep(run.ID, stage.Name, models.StepStatusRunning, nil); err != nil {
			err = fmt.Errorf("failed to mark step %s running: %w", stage.Name, err)
			e.abort(run, stage.Name, err)
			return err
		}

		result := stage.Handler(st)
		if result.Failure != nil {
			log.Warnf("Run %d failed at stage %s (%s): %s",
				run.ID, stage.Name, result.Failure.Kind, result.Failure.Message)
			e.persistFailure(run.ID, stage.Name, result.Failure.Message)
			e.finish(run, models.RunStatusFailed)
			return nil
		}

		details, err := json.Marshal(result.Details)
		if err != nil {
			e.persistFailure(run.ID, stage.Name, fmt.Sprintf("failed to encode step details: %v", err))
			e.finish(run, models.RunStatusFailed)
			return nil
		}
		if err := e.repo.UpdateStep(run.ID, stage.Name, models.StepStatusComplete, details); err != nil {
			err = fmt.Errorf("failed to persist step %s: %w", stage.Name, err)
			e.abort(run, stage.Name, err)
			return err
		}
	}
	currentStage = ""

	e.finish(run, models.RunStatusDone)
	log.Infof("Run %d completed", run.ID)
	return nil
}

// photoPath resolves the stored photo path against the data directory.
func (e *Executor) photoPath(run *models.Run) string {
	if run.Photo == nil {
		return ""
	}
	if filepath.IsAbs(run.Photo.StoredPath) {
		return run.Photo.StoredPath
	}
	return filepath.Join(e.cfg.Server.DataDir, run.Photo.StoredPath)
}

// OverlayFile returns the filesystem path of the overlay artifact for a run.
func (e *Executor) OverlayFile(runID uint) string {
	return filepath.Join(e.cfg.Server.OverlayDir, fmt.Sprintf("run_%d.jpg", runID))
}

// abort records a persistence failure against the current stage and flips the
// run to failed. Best effort: the same storage that just failed may reject
// these writes too, but the run must never be left in running.
func (e *Executor) abort(run *models.Run, stage string, cause error) {
	log.WithError(cause).Errorf("Run %d aborted at stage %s", run.ID, stage)
	e.persistFailure(run.ID, stage, cause.Error())
	e.finish(run, models.RunStatusFailed)
}

func (e *Executor) persistFailure(runID uint, stage, message string) {
	details, err := json.Marshal(models.FailureDetails{Error: message})
	if err != nil {
		details = []byte("{}")
	}
	if err := e.repo.UpdateStep(runID, stage, models.StepStatusFailed, details); err != nil {
		log.WithError(err).Errorf("Failed to persist failure for run %d stage %s", runID, stage)
	}
}

func (e *Executor) finish(run *models.Run, status string) {
	if err := e.repo.UpdateRunStatus(run.ID, status); err != nil {
		log.WithError(err).Errorf("Failed to set run %d status to %s", run.ID, status)
		return
	}
	if e.notifier != nil {
		e.notifier.PublishRunEvent(run.ID, run.PhotoID, status)
	}
}

func (e *Executor) acquire(runID uint) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, busy := e.active[runID]; busy {
		return false
	}
	e.active[runID] = struct{}{}
	return true
}

func (e *Executor) release(runID uint) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, runID)
}
