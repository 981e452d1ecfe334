package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"assetlens-go/config"
	"assetlens-go/internal/core/models"
	"assetlens-go/internal/db/repository"
	"assetlens-go/internal/detect"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeDetector struct {
	mu         sync.Mutex
	detections []models.Detection
	err        error
	block      chan struct{}
	panics     bool
	calls      int
}

func (d *fakeDetector) Detect(imagePath string, cfg models.DetectorConfig) ([]models.Detection, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.block != nil {
		<-d.block
	}
	if d.panics {
		panic("detector exploded")
	}
	return d.detections, d.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) PublishRunEvent(runID, photoID uint, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, status)
}

type testEnv struct {
	repo     repository.Repository
	cfg      *config.Config
	detector *fakeDetector
	notifier *fakeNotifier
	executor *Executor
	dataDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Photo{}, &models.Run{}, &models.Step{}))

	cfg := &config.Config{
		Server: config.ServerConfig{
			DataDir:    dir,
			UploadDir:  filepath.Join(dir, "uploads"),
			OverlayDir: filepath.Join(dir, "overlays"),
		},
	}

	env := &testEnv{
		repo:     repository.NewSQLiteRepository(db),
		cfg:      cfg,
		detector: &fakeDetector{},
		notifier: &fakeNotifier{},
		dataDir:  dir,
	}
	env.executor = NewExecutor(env.repo, cfg, env.detector, env.notifier)
	return env
}

// createPhoto inserts a photo record; when withFile is set the referenced
// image actually exists on disk.
func (env *testEnv) createPhoto(t *testing.T, withFile bool) *models.Photo {
	t.Helper()
	photo := &models.Photo{
		Filename:    "photo.png",
		ContentType: "image/png",
		StoredPath:  "photo.png",
	}
	require.NoError(t, env.repo.CreatePhoto(photo))

	if withFile {
		img := image.NewRGBA(image.Rect(0, 0, 320, 240))
		for y := 0; y < 240; y++ {
			for x := 0; x < 320; x++ {
				img.SetRGBA(x, y, color.RGBA{R: 90, G: 90, B: 90, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(env.dataDir, "photo.png"))
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, png.Encode(f, img))
	}
	return photo
}

func defaultDetectorConfig() models.DetectorConfig {
	return models.DetectorConfig{
		ModelPath:           "/models/yolov8n.onnx",
		ConfidenceThreshold: 0.25,
		IoUThreshold:        0.45,
		InputSize:           640,
	}
}

func stepByName(t *testing.T, run *models.Run, name string) *models.Step {
	t.Helper()
	for i := range run.Steps {
		if run.Steps[i].Name == name {
			return &run.Steps[i]
		}
	}
	t.Fatalf("step %s not found", name)
	return nil
}

func TestCreateRunCreatesPendingStepsInOrder(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, false)

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Steps, len(Template()))

	for i, name := range Template() {
		assert.Equal(t, name, loaded.Steps[i].Name)
		assert.Equal(t, models.StepStatusPending, loaded.Steps[i].Status)
		assert.JSONEq(t, "{}", string(loaded.Steps[i].Details))
	}
	assert.Equal(t, "/models/yolov8n.onnx", loaded.Detector.ModelPath)
}

func TestExecuteFullSuccess(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)
	env.detector.detections = []models.Detection{
		{Label: "car", Confidence: 0.9, BBox: [4]float64{10, 10, 100, 100}},
		{Label: "car", Confidence: 0.8, BBox: [4]float64{150, 20, 250, 120}},
		{Label: "person", Confidence: 0.7, BBox: [4]float64{40, 120, 80, 220}},
	}

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)
	require.NoError(t, env.executor.Execute(run.ID))

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDone, loaded.Status)
	for _, step := range loaded.Steps {
		assert.Equal(t, models.StepStatusComplete, step.Status, "step %s", step.Name)
	}

	var det models.DetectionStepDetails
	require.NoError(t, json.Unmarshal(stepByName(t, loaded, StageAssetDetection).Details, &det))
	assert.Equal(t, 3, det.Count)
	assert.Len(t, det.Detections, 3)
	assert.Equal(t, filepath.Join("overlays", fmt.Sprintf("run_%d.jpg", run.ID)), det.OverlayPath)

	// The overlay artifact was actually written.
	_, err = os.Stat(env.executor.OverlayFile(run.ID))
	require.NoError(t, err)

	var summary models.SummaryDetails
	require.NoError(t, json.Unmarshal(stepByName(t, loaded, StageSummary).Details, &summary))
	assert.Equal(t, "Likely utility infrastructure (3 objects detected)", summary.Headline)
	assert.Equal(t, map[string]int{"car": 2, "person": 1}, summary.DetectedCounts)

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	assert.Equal(t, []string{models.RunStatusDone}, env.notifier.events)
}

func TestExecuteIngestFailureLeavesLaterStepsPending(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, false) // record exists, file does not

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)
	require.NoError(t, env.executor.Execute(run.ID))

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, loaded.Status)

	ingest := stepByName(t, loaded, StageIngest)
	assert.Equal(t, models.StepStatusFailed, ingest.Status)
	var failure models.FailureDetails
	require.NoError(t, json.Unmarshal(ingest.Details, &failure))
	assert.Contains(t, failure.Error, "file not found")

	for _, name := range Template()[1:] {
		assert.Equal(t, models.StepStatusPending, stepByName(t, loaded, name).Status, "step %s", name)
	}
	assert.Equal(t, 0, env.detector.calls)
}

func TestExecuteDetectionConfigurationFailure(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)
	env.detector.err = fmt.Errorf("model file missing: %w", detect.ErrConfiguration)

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)
	require.NoError(t, env.executor.Execute(run.ID))

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, loaded.Status)

	assert.Equal(t, models.StepStatusComplete, stepByName(t, loaded, StageIngest).Status)
	assert.Equal(t, models.StepStatusComplete, stepByName(t, loaded, StageExtractMetadata).Status)
	assert.Equal(t, models.StepStatusComplete, stepByName(t, loaded, StageUtilityGate).Status)
	assert.Equal(t, models.StepStatusFailed, stepByName(t, loaded, StageAssetDetection).Status)
	assert.Equal(t, models.StepStatusPending, stepByName(t, loaded, StageConditionAssessment).Status)
	assert.Equal(t, models.StepStatusPending, stepByName(t, loaded, StageSummary).Status)
}

func TestExecuteCapsPersistedDetections(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)

	many := make([]models.Detection, maxPersistedDetections+50)
	for i := range many {
		many[i] = models.Detection{Label: "car", Confidence: 0.5, BBox: [4]float64{1, 1, 5, 5}}
	}
	env.detector.detections = many

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)
	require.NoError(t, env.executor.Execute(run.ID))

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)

	var det models.DetectionStepDetails
	require.NoError(t, json.Unmarshal(stepByName(t, loaded, StageAssetDetection).Details, &det))
	assert.Equal(t, maxPersistedDetections+50, det.Count)
	assert.Len(t, det.Detections, maxPersistedDetections)
}

func TestExecuteRejectsConcurrentSameRun(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)
	env.detector.block = make(chan struct{})

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- env.executor.Execute(run.ID)
	}()

	// Wait until the first execution reached the blocking detector.
	require.Eventually(t, func() bool {
		env.detector.mu.Lock()
		defer env.detector.mu.Unlock()
		return env.detector.calls == 1
	}, 5*time.Second, 10*time.Millisecond)

	err = env.executor.Execute(run.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunActive))

	close(env.detector.block)
	require.NoError(t, <-done)
}

// flakyRepo fails step writes for one stage/status combination and delegates
// everything else.
type flakyRepo struct {
	repository.Repository
	failStage  string
	failStatus string
}

func (r *flakyRepo) UpdateStep(runID uint, name, status string, details []byte) error {
	if name == r.failStage && status == r.failStatus {
		return fmt.Errorf("disk full")
	}
	return r.Repository.UpdateStep(runID, name, status, details)
}

func TestExecuteStepWriteFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)

	// Persisting the completed utility-gate details fails; the run must not
	// stay in running.
	flaky := &flakyRepo{
		Repository: env.repo,
		failStage:  StageUtilityGate,
		failStatus: models.StepStatusComplete,
	}
	executor := NewExecutor(flaky, env.cfg, env.detector, env.notifier)

	err = executor.Execute(run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, loaded.Status)

	gate := stepByName(t, loaded, StageUtilityGate)
	assert.Equal(t, models.StepStatusFailed, gate.Status)
	var failure models.FailureDetails
	require.NoError(t, json.Unmarshal(gate.Details, &failure))
	assert.Contains(t, failure.Error, "disk full")

	assert.Equal(t, models.StepStatusPending, stepByName(t, loaded, StageAssetDetection).Status)

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	assert.Equal(t, []string{models.RunStatusFailed}, env.notifier.events)
}

func TestExecuteStepRunningWriteFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)

	flaky := &flakyRepo{
		Repository: env.repo,
		failStage:  StageIngest,
		failStatus: models.StepStatusRunning,
	}
	executor := NewExecutor(flaky, env.cfg, env.detector, env.notifier)

	require.Error(t, executor.Execute(run.ID))

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, loaded.Status)
}

func TestExecuteUnknownRun(t *testing.T) {
	env := newTestEnv(t)

	err := env.executor.Execute(12345)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestExecuteContainsStagePanic(t *testing.T) {
	env := newTestEnv(t)
	photo := env.createPhoto(t, true)
	env.detector.panics = true

	run, err := env.executor.CreateRun(photo.ID, defaultDetectorConfig())
	require.NoError(t, err)
	require.NotPanics(t, func() {
		_ = env.executor.Execute(run.ID)
	})

	loaded, err := env.repo.GetRunByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, loaded.Status)

	detection := stepByName(t, loaded, StageAssetDetection)
	assert.Equal(t, models.StepStatusFailed, detection.Status)
	var failure models.FailureDetails
	require.NoError(t, json.Unmarshal(detection.Details, &failure))
	assert.Contains(t, failure.Error, "internal error")
}
