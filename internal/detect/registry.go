package detect

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// sharedLibraryEnv optionally points at the onnxruntime shared library when
// it is not on the default loader path.
const sharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Registry owns the loaded model handles, keyed by model path. Each path is
// loaded at most once for the lifetime of the process; the registry is
// constructed once in main and passed by reference to whoever needs it.
type Registry struct {
	mu          sync.Mutex
	models      map[string]*Model
	initialized bool
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Engine returns the loaded handle for modelPath, loading and validating it
// on first use.
func (r *Registry) Engine(modelPath string) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if model, ok := r.models[modelPath]; ok {
		return model, nil
	}

	if err := r.ensureEnvironment(); err != nil {
		return nil, err
	}

	log.Infof("Loading detection model: %s", modelPath)
	model, err := loadModel(modelPath)
	if err != nil {
		return nil, err
	}
	r.models[modelPath] = model
	return model, nil
}

// ensureEnvironment initializes the onnxruntime environment once. Caller
// must hold the mutex.
func (r *Registry) ensureEnvironment() error {
	if r.initialized {
		return nil
	}
	if libPath := os.Getenv(sharedLibraryEnv); libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: failed to initialize onnxruntime: %v", ErrConfiguration, err)
	}
	r.initialized = true
	return nil
}

// Close releases all loaded model handles and the onnxruntime environment.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, model := range r.models {
		model.Close()
		delete(r.models, path)
	}
	if r.initialized {
		ort.DestroyEnvironment()
		r.initialized = false
	}
}
