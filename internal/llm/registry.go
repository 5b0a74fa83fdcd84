package llm

import (
	"context"
	"sort"
	"sync"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// Registry holds every known BackendFactory, keyed by backend id,
// mirroring the original workspace's factory-registration pattern for
// pluggable LLM backends.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// Register installs or replaces the factory for its declared backend id.
func (r *Registry) Register(f BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.BackendID()] = f
}

// Factory returns the factory registered under id.
func (r *Registry) Factory(id string) (BackendFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// List returns every registered backend id, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create builds a Runtime from the named backend's factory.
func (r *Registry) Create(backendID string, config map[string]any) (Runtime, error) {
	f, ok := r.Factory(backendID)
	if !ok {
		return nil, edgeerr.Newf(edgeerr.NotFound, "no llm backend registered for %q", backendID)
	}
	if err := f.ValidateConfig(config); err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, "invalid backend config", err)
	}
	return f.Create(config)
}

// Available returns the subset of registered backend ids that report
// themselves available right now (e.g. a local Ollama daemon responding).
func (r *Registry) Available(ctx context.Context) []string {
	r.mu.RLock()
	factories := make([]BackendFactory, 0, len(r.factories))
	for _, f := range r.factories {
		factories = append(factories, f)
	}
	r.mu.RUnlock()

	var available []string
	for _, f := range factories {
		if f.IsAvailable(ctx) {
			available = append(available, f.BackendID())
		}
	}
	sort.Strings(available)
	return available
}
