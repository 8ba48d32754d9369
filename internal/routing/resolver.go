package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

// Resolver maps backend specs onto registered, configured backends.
type Resolver struct {
	registry domain.BackendRegistry
}

// NewResolver creates a new resolver.
func NewResolver(registry domain.BackendRegistry) *Resolver {
	return &Resolver{
		registry: registry,
	}
}

// Resolve returns the backend serving the given spec. A spec without a
// provider falls back to model-based lookup.
func (r *Resolver) Resolve(ctx context.Context, spec domain.BackendSpec) (domain.Backend, error) {
	if spec.Provider == "" && spec.Model == "" {
		return nil, errors.New("backend spec requires a provider or a model")
	}

	if spec.Provider == "" {
		backend, err := r.registry.GetByModel(ctx, spec.Model)
		if err != nil {
			return nil, fmt.Errorf("backend resolution failed: %w", err)
		}
		return backend, nil
	}

	backend, err := r.registry.Get(ctx, spec.Provider)
	if err != nil {
		return nil, fmt.Errorf("backend resolution failed: %w", err)
	}

	if !backend.IsConfigured() {
		return nil, fmt.Errorf("provider %s: %w", spec.Provider, domain.ErrBackendUnavailable)
	}

	if spec.Model != "" {
		if models := backend.AvailableModels(ctx); len(models) > 0 && !contains(models, spec.Model) {
			return nil, fmt.Errorf("model %s not available on provider %s", spec.Model, spec.Provider)
		}
	}

	return backend, nil
}

func contains(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
