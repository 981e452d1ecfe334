package detect

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"assetlens-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// ErrConfiguration marks detector configuration problems (missing model
// file, malformed model metadata). It is fatal to the run that hits it.
var ErrConfiguration = errors.New("detector configuration error")

// Engine runs raw inference on a normalized pixel tensor. The output
// contract is the variable-shape tensor handled by Postprocess.
type Engine interface {
	Infer(input []float32, inputSize int) (data []float32, shape []int64, err error)
}

// EngineResolver maps a model path to a loaded inference engine.
type EngineResolver interface {
	Engine(modelPath string) (Engine, error)
}

// ObjectDetector is the boundary the pipeline consumes.
type ObjectDetector interface {
	Detect(imagePath string, cfg models.DetectorConfig) ([]models.Detection, error)
}

// Detector composes letterbox preprocessing, the inference engine and the
// detection postprocessing into a single call.
type Detector struct {
	engines EngineResolver
}

// NewDetector creates a detector backed by the given engine resolver
// (normally the process-wide model Registry).
func NewDetector(engines EngineResolver) *Detector {
	return &Detector{engines: engines}
}

// Detect loads an image, runs inference and returns detections in
// original-image pixel space, ordered by descending confidence.
func (d *Detector) Detect(imagePath string, cfg models.DetectorConfig) ([]models.Detection, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", imagePath, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", imagePath, err)
	}

	lb := Letterbox(img, cfg.InputSize)

	engine, err := d.engines.Engine(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	data, shape, err := engine.Infer(InputTensor(lb.Canvas), cfg.InputSize)
	if err != nil {
		return nil, err
	}

	detections := Postprocess(data, shape, DecodeParams{
		ConfThreshold: cfg.ConfidenceThreshold,
		IoUThreshold:  cfg.IoUThreshold,
		Scale:         lb.Scale,
		PadX:          lb.PadX,
		PadY:          lb.PadY,
		OrigW:         lb.OrigW,
		OrigH:         lb.OrigH,
	})

	log.Debugf("Detection on %s produced %d objects", imagePath, len(detections))
	return detections, nil
}
