package propagation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoBackend is returned when none of the preferred devices has a usable backend
	ErrNoBackend = errors.New("no forecaster backend available")
	// ErrBadForecast is returned when a forecaster output does not match the input raster
	ErrBadForecast = errors.New("forecast raster does not match input")
)

// Window is the ordered history handed to a forecaster, oldest frame first.
// Every frame is a row-major raster of shadow probabilities in [0, 1].
type Window struct {
	Rows   int
	Cols   int
	Frames [][]float32
}

// Forecaster predicts shadow probabilities for the steps following the
// newest frame of a window. The result holds one raster per horizon step,
// nearest step first, each sized Rows*Cols.
type Forecaster interface {
	Forecast(ctx context.Context, w Window) ([][]float32, error)
}

// ForecasterFunc adapts a plain function to the Forecaster interface
type ForecasterFunc func(ctx context.Context, w Window) ([][]float32, error)

// Forecast calls f
func (f ForecasterFunc) Forecast(ctx context.Context, w Window) ([][]float32, error) {
	return f(ctx, w)
}

// Backend loads a forecaster for one compute device
type Backend interface {
	// Name is the device name, e.g. "cuda" or "cpu"
	Name() string

	// Available reports whether the device can be used on this host
	Available() bool

	// Load builds a forecaster producing horizon steps
	Load(horizon int) (Forecaster, error)
}

// BackendRegistry holds forecaster backends by device name
type BackendRegistry struct {
	backends map[string]Backend
	mu       sync.RWMutex
}

var globalRegistry = NewBackendRegistry()

// NewBackendRegistry creates an empty registry
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{backends: make(map[string]Backend)}
}

// Register adds a backend to the global registry
func Register(b Backend) {
	globalRegistry.Register(b)
}

// Get returns a backend from the global registry
func Get(name string) (Backend, error) {
	return globalRegistry.Get(name)
}

// List names the backends in the global registry
func List() []string {
	return globalRegistry.List()
}

// Resolve loads a forecaster from the global registry
func Resolve(preference []string, horizon int) (Forecaster, string, error) {
	return globalRegistry.Resolve(preference, horizon)
}

// Register adds or replaces a backend
func (r *BackendRegistry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the backend registered for a device
func (r *BackendRegistry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend '%s' not found in registry", name)
	}
	return b, nil
}

// List returns the registered device names in sorted order
func (r *BackendRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear drops every backend (mainly for tests)
func (r *BackendRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = make(map[string]Backend)
}

// Resolve walks the preference list and loads the first backend that is
// registered and available. It returns the forecaster and the chosen device.
func (r *BackendRegistry) Resolve(preference []string, horizon int) (Forecaster, string, error) {
	var errs []error
	for _, name := range preference {
		b, err := r.Get(name)
		if err != nil {
			continue
		}
		if !b.Available() {
			continue
		}
		f, err := b.Load(horizon)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", name, err))
			continue
		}
		return f, name, nil
	}
	if len(errs) > 0 {
		return nil, "", fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
	}
	return nil, "", fmt.Errorf("%w (tried %v)", ErrNoBackend, preference)
}
