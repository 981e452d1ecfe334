package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"assetlens-go/config"
	"assetlens-go/internal/core/models"
	"assetlens-go/internal/core/processor"
	"assetlens-go/internal/db/repository"
	"assetlens-go/internal/pipeline"
	"assetlens-go/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// APIHandler serves the JSON API: photo uploads, run management, overlay
// retrieval and feedback.
type APIHandler struct {
	cfg      *config.Config
	repo     repository.Repository
	executor *pipeline.Executor
	pool     *processor.WorkerPool
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(cfg *config.Config, repo repository.Repository, executor *pipeline.Executor, pool *processor.WorkerPool) *APIHandler {
	return &APIHandler{
		cfg:      cfg,
		repo:     repo,
		executor: executor,
		pool:     pool,
	}
}

// RegisterRoutes registers all API routes.
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/photos", h.UploadPhoto)
	router.GET("/photos", h.ListPhotos)
	router.GET("/photos/:id", h.GetPhoto)
	router.DELETE("/photos/:id", h.DeletePhoto)
	router.POST("/photos/:id/runs", h.CreateRun)

	router.GET("/runs/:id", h.GetRun)
	router.GET("/runs/:id/overlay", h.GetRunOverlay)
	router.POST("/runs/:id/feedback", h.SubmitFeedback)

	router.GET("/status", h.GetStatus)
}

// UploadPhoto stores an uploaded image and creates its photo record. Photos
// are immutable after creation.
func (h *APIHandler) UploadPhoto(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded or invalid form data"})
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.cfg.Server.UploadDir, 0750); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create upload directory: %v", err)})
		return
	}

	filename := fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(header.Filename))
	fullPath := filepath.Join(h.cfg.Server.UploadDir, filename)

	outFile, err := os.Create(fullPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create file: %v", err)})
		return
	}
	defer outFile.Close()

	if _, err = io.Copy(outFile, file); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to save file: %v", err)})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storedPath := fullPath
	if rel, err := filepath.Rel(h.cfg.Server.DataDir, fullPath); err == nil {
		storedPath = rel
	}

	photo := models.Photo{
		Filename:    header.Filename,
		ContentType: contentType,
		StoredPath:  storedPath,
	}
	if err := h.repo.CreatePhoto(&photo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create photo record: %v", err)})
		return
	}

	log.Infof("Photo %d uploaded: %s", photo.ID, photo.Filename)
	c.JSON(http.StatusCreated, photo)
}

// ListPhotos returns photos with pagination.
func (h *APIHandler) ListPhotos(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	photos, total, err := h.repo.GetPhotos(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list photos: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"photos": photos,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetPhoto returns one photo with its runs.
func (h *APIHandler) GetPhoto(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	photo, err := h.repo.GetPhotoByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load photo: %v", err)})
		return
	}
	if photo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Photo not found"})
		return
	}

	runs, err := h.repo.GetRunsByPhotoID(photo.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load runs: %v", err)})
		return
	}
	photo.Runs = runs

	c.JSON(http.StatusOK, photo)
}

// DeletePhoto removes a photo, its runs, their steps and the stored files.
func (h *APIHandler) DeletePhoto(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	photo, err := h.repo.GetPhotoByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load photo: %v", err)})
		return
	}
	if photo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Photo not found"})
		return
	}

	runs, err := h.repo.GetRunsByPhotoID(photo.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load runs: %v", err)})
		return
	}

	if err := h.repo.DeletePhoto(photo.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to delete photo: %v", err)})
		return
	}

	// Best effort file cleanup after the records are gone.
	stored := photo.StoredPath
	if !filepath.IsAbs(stored) {
		stored = filepath.Join(h.cfg.Server.DataDir, stored)
	}
	if err := os.Remove(stored); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove photo file %s", stored)
	}
	for _, run := range runs {
		overlayFile := h.executor.OverlayFile(run.ID)
		if err := os.Remove(overlayFile); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("Failed to remove overlay %s", overlayFile)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Photo deleted"})
}

// createRunRequest optionally overrides the configured detector defaults.
type createRunRequest struct {
	ModelPath           *string  `json:"model_path"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	IoUThreshold        *float64 `json:"iou_threshold"`
	InputSize           *int     `json:"input_size"`
}

// CreateRun creates a queued run for a photo and schedules its execution.
func (h *APIHandler) CreateRun(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	photo, err := h.repo.GetPhotoByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load photo: %v", err)})
		return
	}
	if photo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Photo not found"})
		return
	}

	detectorCfg := models.DetectorConfig{
		ModelPath:           h.cfg.Detector.ModelPath,
		ConfidenceThreshold: h.cfg.Detector.ConfidenceThreshold,
		IoUThreshold:        h.cfg.Detector.IoUThreshold,
		InputSize:           h.cfg.Detector.InputSize,
	}

	var req createRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
			return
		}
		if req.ModelPath != nil {
			detectorCfg.ModelPath = *req.ModelPath
		}
		if req.ConfidenceThreshold != nil {
			detectorCfg.ConfidenceThreshold = *req.ConfidenceThreshold
		}
		if req.IoUThreshold != nil {
			detectorCfg.IoUThreshold = *req.IoUThreshold
		}
		if req.InputSize != nil {
			detectorCfg.InputSize = *req.InputSize
		}
	}

	run, err := h.executor.CreateRun(photo.ID, detectorCfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create run: %v", err)})
		return
	}

	if err := h.pool.Enqueue(c.Request.Context(), run.ID); err != nil {
		if errors.Is(err, processor.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run queue is full, try again later", "run": run})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to schedule run: %v", err)})
		return
	}

	log.Infof("Run %d created for photo %d", run.ID, photo.ID)
	c.JSON(http.StatusAccepted, run)
}

// GetRun returns one run with its steps in template order.
func (h *APIHandler) GetRun(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	run, err := h.repo.GetRunByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load run: %v", err)})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	c.JSON(http.StatusOK, run)
}

// GetRunOverlay serves the rendered overlay artifact for a run. A missing
// artifact (not yet produced, or file removed) is a not-found condition.
func (h *APIHandler) GetRunOverlay(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	run, err := h.repo.GetRunByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load run: %v", err)})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	overlayFile := h.executor.OverlayFile(run.ID)
	if _, err := os.Stat(overlayFile); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Overlay not available"})
		return
	}

	c.Header("Content-Type", "image/jpeg")
	c.File(overlayFile)
}

// SubmitFeedback attaches a human correction record to the summary step of a
// completed run.
func (h *APIHandler) SubmitFeedback(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var feedback models.HumanFeedback
	if err := c.ShouldBindJSON(&feedback); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	step, err := h.repo.GetStep(id, pipeline.StageSummary)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load summary step: %v", err)})
		return
	}
	if step == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	if step.Status != models.StepStatusComplete {
		c.JSON(http.StatusConflict, gin.H{"error": "Summary step has not completed yet"})
		return
	}

	var details map[string]interface{}
	if err := json.Unmarshal(step.Details, &details); err != nil {
		details = map[string]interface{}{}
	}
	details["human_feedback"] = feedback

	payload, err := json.Marshal(details)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to encode details: %v", err)})
		return
	}
	if err := h.repo.UpdateStep(id, pipeline.StageSummary, step.Status, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to store feedback: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Feedback recorded"})
}

// GetStatus reports system and worker pool statistics.
func (h *APIHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"system": utils.GetSystemStats(h.pool),
	})
}

func (h *APIHandler) parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}
