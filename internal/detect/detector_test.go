package detect

import (
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"assetlens-go/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	data      []float32
	shape     []int64
	err       error
	lastInput []float32
	lastSize  int
}

func (e *fakeEngine) Infer(input []float32, inputSize int) ([]float32, []int64, error) {
	e.lastInput = input
	e.lastSize = inputSize
	return e.data, e.shape, e.err
}

type fakeResolver struct {
	engine        *fakeEngine
	err           error
	requestedPath string
}

func (r *fakeResolver) Engine(modelPath string) (Engine, error) {
	r.requestedPath = modelPath
	if r.err != nil {
		return nil, r.err
	}
	return r.engine, nil
}

func writeTestPNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, "photo.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, solidImage(w, h, color.RGBA{R: 30, G: 30, B: 30, A: 255})))
	return path
}

func testDetectorConfig() models.DetectorConfig {
	return models.DetectorConfig{
		ModelPath:           "/models/yolov8n.onnx",
		ConfidenceThreshold: 0.25,
		IoUThreshold:        0.45,
		InputSize:           640,
	}
}

func TestDetectorDetect(t *testing.T) {
	// One model-space detection on a 1280x720 source: scale 0.5, pad y 140.
	data, shape := rowMajorTensor(row(320, 320, 100, 60, 2, 0.9))
	engine := &fakeEngine{data: data, shape: shape}
	resolver := &fakeResolver{engine: engine}
	detector := NewDetector(resolver)

	imagePath := writeTestPNG(t, t.TempDir(), 1280, 720)
	dets, err := detector.Detect(imagePath, testDetectorConfig())

	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].Label)
	assert.InDelta(t, 540, dets[0].BBox[0], 1e-4)
	assert.InDelta(t, 300, dets[0].BBox[1], 1e-4)
	assert.InDelta(t, 740, dets[0].BBox[2], 1e-4)
	assert.InDelta(t, 420, dets[0].BBox[3], 1e-4)

	assert.Equal(t, "/models/yolov8n.onnx", resolver.requestedPath)
	assert.Equal(t, 640, engine.lastSize)
	assert.Len(t, engine.lastInput, 3*640*640)
}

func TestDetectorDetectMissingImage(t *testing.T) {
	detector := NewDetector(&fakeResolver{engine: &fakeEngine{}})

	_, err := detector.Detect(filepath.Join(t.TempDir(), "nope.jpg"), testDetectorConfig())
	require.Error(t, err)
}

func TestDetectorDetectUnreadableImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0600))

	detector := NewDetector(&fakeResolver{engine: &fakeEngine{}})
	_, err := detector.Detect(path, testDetectorConfig())
	require.Error(t, err)
}

func TestDetectorDetectPropagatesConfigurationError(t *testing.T) {
	resolverErr := fmt.Errorf("model file missing: %w", ErrConfiguration)
	detector := NewDetector(&fakeResolver{err: resolverErr})

	imagePath := writeTestPNG(t, t.TempDir(), 640, 640)
	_, err := detector.Detect(imagePath, testDetectorConfig())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestDetectorDetectEmptyOutput(t *testing.T) {
	engine := &fakeEngine{data: nil, shape: []int64{1, 0, 84}}
	detector := NewDetector(&fakeResolver{engine: engine})

	imagePath := writeTestPNG(t, t.TempDir(), 640, 640)
	dets, err := detector.Detect(imagePath, testDetectorConfig())

	require.NoError(t, err)
	assert.Empty(t, dets)
}
