package detect

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Model is a loaded ONNX model handle. Inference calls are serialized per
// handle; one handle is shared by all runs using the same model path.
type Model struct {
	path      string
	session   *ort.DynamicAdvancedSession
	inputName string
	mu        sync.Mutex
}

// loadModel opens and validates an ONNX model. The input tensor must
// describe 4 dimensions when shape metadata is available.
func loadModel(path string) (*Model, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: model not found at %s", ErrConfiguration, path)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model metadata for %s: %v", ErrConfiguration, path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model %s declares no inputs or outputs", ErrConfiguration, path)
	}
	if dims := inputs[0].Dimensions; len(dims) > 0 && len(dims) != 4 {
		return nil, fmt.Errorf("%w: unexpected input shape %v for %s", ErrConfiguration, dims, path)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load model %s: %v", ErrConfiguration, path, err)
	}

	return &Model{
		path:      path,
		session:   session,
		inputName: inputs[0].Name,
	}, nil
}

// Infer runs the model on a normalized 1x3xSxS pixel tensor and returns the
// raw output data and its shape.
func (m *Model) Infer(input []float32, inputSize int) ([]float32, []int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := int64(inputSize)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, s, s), input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// Let onnxruntime allocate the output so variable export shapes work.
	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, nil, fmt.Errorf("inference failed for %s: %w", m.path, err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("unexpected output tensor type from %s", m.path)
	}

	shape := tensor.GetShape()
	data := make([]float32, len(tensor.GetData()))
	copy(data, tensor.GetData())
	dims := make([]int64, len(shape))
	copy(dims, shape)

	return data, dims, nil
}

// Close releases the underlying session.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
