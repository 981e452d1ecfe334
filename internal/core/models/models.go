package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run status values. Transitions are monotone:
// queued -> running -> done | failed.
const (
	RunStatusQueued  = "queued"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// Step status values. Transitions are monotone:
// pending -> running -> complete | failed.
const (
	StepStatusPending  = "pending"
	StepStatusRunning  = "running"
	StepStatusComplete = "complete"
	StepStatusFailed   = "failed"
)

// Photo is an uploaded asset record. Immutable after creation; deleting a
// Photo cascades to its Runs and their Steps.
type Photo struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Filename    string    `gorm:"size:512;not null" json:"filename"`
	ContentType string    `gorm:"size:128;not null;default:application/octet-stream" json:"content_type"`
	StoredPath  string    `gorm:"size:1024;not null" json:"stored_path"` // e.g. uploads/<uuid>_<name>
	UploadedAt  time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
	Runs        []Run     `gorm:"foreignKey:PhotoID" json:"runs,omitempty"`
}

// DetectorConfig is the immutable detector parameter set snapshotted onto a
// Run when it is created.
type DetectorConfig struct {
	ModelPath           string  `gorm:"size:1024" json:"model_path"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold"`
	InputSize           int     `json:"input_size"`
}

// Run is one detection execution attempt against a Photo. It owns an
// ordered, fixed set of Steps created atomically with the Run itself.
type Run struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	PhotoID   uint           `gorm:"index;not null" json:"photo_id"`
	Status    string         `gorm:"size:32;not null;default:queued" json:"status"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	Detector  DetectorConfig `gorm:"embedded;embeddedPrefix:detector_" json:"detector"`
	Photo     *Photo         `gorm:"foreignKey:PhotoID" json:"-"`
	Steps     []Step         `gorm:"foreignKey:RunID" json:"steps,omitempty"`
}

// Step is one named stage within a Run. Details is an opaque JSON payload
// whose shape depends on the step name (see the detail types below).
type Step struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	RunID     uint           `gorm:"index;not null" json:"run_id"`
	Name      string         `gorm:"size:64;not null" json:"name"`
	Status    string         `gorm:"size:32;not null;default:pending" json:"status"`
	Details   datatypes.JSON `gorm:"type:json" json:"details"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// Detection is a single detected object in original-image pixel space.
// BBox corners are ordered (x1,y1,x2,y2) with x1<=x2 and y1<=y2.
type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox_xyxy"`
}

// Per-step detail payloads. Consumers treat these as a tagged union keyed by
// step name; FailureDetails is the shape recorded for any failed step.

// IngestDetails is the success payload of the ingest step.
type IngestDetails struct {
	Path string `json:"path"`
}

// MetadataDetails is the success payload of the extract-metadata step. The
// step is lenient: extraction errors are recorded under an "error" key inside
// Metadata and the pipeline continues.
type MetadataDetails struct {
	Metadata map[string]string `json:"metadata"`
}

// GateDetails is the success payload of the utility-gate step.
type GateDetails struct {
	IsMatch    bool    `json:"is_match"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes"`
}

// DetectionStepDetails is the success payload of the asset-detection step.
// Detections is capped at 200 entries; Count reflects the uncapped total.
type DetectionStepDetails struct {
	Model       string      `json:"model"`
	Count       int         `json:"count"`
	Detections  []Detection `json:"detections"`
	OverlayPath string      `json:"overlay_path"`
}

// ConditionDetails is the success payload of the condition-assessment step.
type ConditionDetails struct {
	Overall    string   `json:"overall"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// HumanFeedback is a correction record attached under "human_feedback" in the
// summary step details after the fact.
type HumanFeedback struct {
	Correct bool     `json:"correct"`
	Reasons []string `json:"reasons"`
	Notes   string   `json:"notes"`
}

// SummaryDetails is the success payload of the summary step.
type SummaryDetails struct {
	Headline       string           `json:"headline"`
	Location       string           `json:"location,omitempty"`
	Timestamp      string           `json:"timestamp,omitempty"`
	DetectedCounts map[string]int   `json:"detected_counts"`
	Condition      ConditionDetails `json:"condition"`
	HumanFeedback  *HumanFeedback   `json:"human_feedback,omitempty"`
}

// FailureDetails is the payload recorded on a failed step.
type FailureDetails struct {
	Error string `json:"error"`
}
