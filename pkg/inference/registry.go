package inference

import (
	"fmt"
	"sort"
	"sync"

	"emdenoise/internal/models"
	"emdenoise/pkg/config"
)

// Registry maps model identifiers to loaded backends
type Registry struct {
	mu       sync.RWMutex
	backends map[models.ModelID]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[models.ModelID]Backend)}
}

// LoadRegistry builds every backend listed in the configuration.
func LoadRegistry(cfgs []config.ModelConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, mc := range cfgs {
		b, err := Load(mc)
		if err != nil {
			return nil, fmt.Errorf("loading model %s: %w", mc.ID, err)
		}
		if err := reg.Register(mc.ID, b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds a backend. Each identifier can be registered once.
func (r *Registry) Register(id models.ModelID, b Backend) error {
	if id == models.ModelUnknown {
		return fmt.Errorf("cannot register a backend without a model id")
	}
	if b == nil {
		return fmt.Errorf("model %s: nil backend", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; ok {
		return fmt.Errorf("model %s is already registered", id)
	}
	r.backends[id] = b
	return nil
}

// Lookup returns the backend for id.
func (r *Registry) Lookup(id models.ModelID) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("no backend registered for model %s", id)
	}
	return b, nil
}

// Resolve looks up every identifier at once so a run can fail before it
// touches any image.
func (r *Registry) Resolve(ids []models.ModelID) (map[models.ModelID]Backend, error) {
	resolved := make(map[models.ModelID]Backend, len(ids))
	for _, id := range ids {
		b, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		resolved[id] = b
	}
	return resolved, nil
}

// IDs returns the registered identifiers in ascending order.
func (r *Registry) IDs() []models.ModelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]models.ModelID, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
