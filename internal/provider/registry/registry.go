package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

// Registry implements the domain.BackendRegistry interface.
type Registry struct {
	mu             sync.RWMutex
	backends       map[string]domain.Backend
	modelToBackend map[string]string
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:             sync.RWMutex{},
		backends:       make(map[string]domain.Backend),
		modelToBackend: make(map[string]string),
	}
}

// Register adds a backend to the registry.
func (r *Registry) Register(ctx context.Context, backend domain.Backend) error {
	if backend == nil {
		return errors.New("backend cannot be nil")
	}

	name := backend.Name()
	if name == "" {
		return errors.New("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %s already registered", name)
	}

	r.backends[name] = backend

	// Build reverse index from the backend's available models
	for _, model := range backend.AvailableModels(ctx) {
		r.modelToBackend[model] = name
	}

	return nil
}

// Get retrieves a backend by provider name.
func (r *Registry) Get(_ context.Context, providerName string) (domain.Backend, error) {
	if providerName == "" {
		return nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, exists := r.backends[providerName]
	if !exists {
		return nil, fmt.Errorf("backend %s not found", providerName)
	}

	return backend, nil
}

// List returns all registered provider names.
func (r *Registry) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}

	return names, nil
}

// GetByModel retrieves a backend that serves the given model.
func (r *Registry) GetByModel(ctx context.Context, model string) (domain.Backend, error) {
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Use reverse index for O(1) lookup
	backendName, exists := r.modelToBackend[model]
	if !exists {
		// Fallback to linear search for models registered after startup
		for _, backend := range r.backends {
			for _, m := range backend.AvailableModels(ctx) {
				if m == model {
					return backend, nil
				}
			}
		}
		return nil, fmt.Errorf("no backend found for model: %s", model)
	}

	backend, exists := r.backends[backendName]
	if !exists {
		// This shouldn't happen, but handle gracefully
		return nil, fmt.Errorf("backend not found: %s", backendName)
	}

	return backend, nil
}
