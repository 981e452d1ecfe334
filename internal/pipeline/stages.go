package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"assetlens-go/internal/core/models"
	"assetlens-go/internal/detect"
	"assetlens-go/internal/overlay"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// maxPersistedDetections caps the detections stored in step details to keep
// payloads bounded; the count field still reflects the uncapped total.
const maxPersistedDetections = 200

// runIngest verifies the referenced source file is readable. This stage is
// strict: a missing file aborts the run.
func (e *Executor) runIngest(st *runState) StageResult {
	if st.photoPath == "" {
		return Failure(FailureData, "photo record has no stored path")
	}
	if _, err := os.Stat(st.photoPath); err != nil {
		return Failure(FailureData, "file not found: %s", st.photoPath)
	}
	f, err := os.Open(st.photoPath)
	if err != nil {
		return Failure(FailureData, "file not readable: %s: %v", st.photoPath, err)
	}
	f.Close()
	return Success(models.IngestDetails{Path: st.photoPath})
}

// exifCollector gathers EXIF fields into a flat string map.
type exifCollector map[string]string

func (c exifCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	c[string(name)] = tag.String()
	return nil
}

// runExtractMetadata extracts EXIF metadata from the photo. This stage is
// lenient: extraction errors are recorded inside the step's own details and
// the pipeline continues.
func (e *Executor) runExtractMetadata(st *runState) StageResult {
	st.metadata = extractMetadata(st.photoPath)
	return Success(models.MetadataDetails{Metadata: st.metadata})
}

func extractMetadata(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return map[string]string{"error": err.Error()}
	}

	fields := exifCollector{}
	if err := x.Walk(fields); err != nil {
		fields["error"] = err.Error()
	}
	return fields
}

// runUtilityGate classifies whether the photo shows utility infrastructure.
// TODO: replace the fixed heuristic once the gate classifier model ships.
func (e *Executor) runUtilityGate(st *runState) StageResult {
	st.gate = models.GateDetails{
		IsMatch:    true,
		Confidence: 0.73,
		Notes:      "heuristic gate result, classifier model not yet deployed",
	}
	return Success(st.gate)
}

// runAssetDetection runs the object detector against the photo, renders the
// overlay artifact and records the capped detection list.
func (e *Executor) runAssetDetection(st *runState) StageResult {
	detections, err := e.detector.Detect(st.photoPath, st.run.Detector)
	if err != nil {
		if errors.Is(err, detect.ErrConfiguration) {
			return Failure(FailureConfiguration, "%v", err)
		}
		return Failure(FailureInternal, "detection failed: %v", err)
	}

	overlayFile := e.OverlayFile(st.run.ID)
	if err := overlay.Render(st.photoPath, detections, overlayFile); err != nil {
		return Failure(FailureInternal, "overlay rendering failed: %v", err)
	}

	persisted := detections
	if len(persisted) > maxPersistedDetections {
		persisted = persisted[:maxPersistedDetections]
	}

	st.det = models.DetectionStepDetails{
		Model:       st.run.Detector.ModelPath,
		Count:       len(detections),
		Detections:  persisted,
		OverlayPath: filepath.Join("overlays", filepath.Base(overlayFile)),
	}
	return Success(st.det)
}

// runConditionAssessment estimates asset condition.
// TODO: replace the fixed placeholder once the condition model ships.
func (e *Executor) runConditionAssessment(st *runState) StageResult {
	st.cond = models.ConditionDetails{
		Overall:    "unknown",
		Confidence: 0.42,
		Reasons:    []string{"condition model not yet available"},
	}
	return Success(st.cond)
}

// runSummary composes the final summary from the outputs of the earlier
// stages.
func (e *Executor) runSummary(st *runState) StageResult {
	counts := make(map[string]int)
	for _, d := range st.det.Detections {
		counts[d.Label]++
	}

	headline := "No utility infrastructure identified"
	if st.gate.IsMatch {
		headline = fmt.Sprintf("Likely utility infrastructure (%d objects detected)", st.det.Count)
	}

	return Success(models.SummaryDetails{
		Headline:       headline,
		Location:       st.metadata["GPSLatitude"],
		Timestamp:      st.metadata["DateTimeOriginal"],
		DetectedCounts: counts,
		Condition:      st.cond,
	})
}
