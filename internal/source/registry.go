package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSource is returned for a source name with no registered factory.
var ErrUnknownSource = errors.New("unknown source")

// Factory builds a fresh adapter instance. Every import run gets its own
// instance, so adapters may keep per-run state.
type Factory func() Adapter

// Capabilities describes the optional interfaces an adapter implements.
type Capabilities struct {
	Name               string `json:"name"`
	Incremental        bool   `json:"incremental"`
	UpdateDetection    bool   `json:"update_detection"`
	Configurable       bool   `json:"configurable"`
	RequiresFileUpload bool   `json:"requires_file_upload"`
	OAuth              bool   `json:"oauth"`
	ConnectionTest     bool   `json:"connection_test"`
}

// Registry maps source names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same name twice panics, since it
// can only happen through a wiring mistake at startup.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("source %q registered twice", name))
	}
	r.factories[name] = factory
}

// New returns a fresh adapter for name.
// Parameters:
//   - name: registered source name.
// Returns:
//   - Adapter: new adapter instance.
//   - error: ErrUnknownSource if name is not registered.
func (r *Registry) New(name string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return factory(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities inspects a fresh adapter for name.
func (r *Registry) Capabilities(name string) (Capabilities, error) {
	a, err := r.New(name)
	if err != nil {
		return Capabilities{}, err
	}
	return CapabilitiesOf(a), nil
}

// CapabilitiesOf reports the optional interfaces a implements.
func CapabilitiesOf(a Adapter) Capabilities {
	caps := Capabilities{Name: a.Name()}
	_, caps.Incremental = a.(IncrementalAdapter)
	_, caps.UpdateDetection = a.(UpdateDecider)
	_, caps.Configurable = a.(ConfigurableAdapter)
	_, caps.OAuth = a.(OAuthAdapter)
	_, caps.ConnectionTest = a.(ConnectionTester)
	if fu, ok := a.(FileUploadAdapter); ok {
		caps.RequiresFileUpload = fu.RequiresFileUpload()
	}
	return caps
}
