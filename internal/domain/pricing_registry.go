package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// InMemoryPricingRegistry stores pricing configs in memory.
type InMemoryPricingRegistry struct {
	mu      sync.RWMutex
	pricing map[string]PricingConfig
}

// NewInMemoryPricingRegistry creates a new in-memory pricing registry.
func NewInMemoryPricingRegistry() *InMemoryPricingRegistry {
	return &InMemoryPricingRegistry{
		mu:      sync.RWMutex{},
		pricing: make(map[string]PricingConfig),
	}
}

// GetPricing retrieves pricing for a provider/model pair.
func (r *InMemoryPricingRegistry) GetPricing(
	_ context.Context,
	provider, model string,
) (PricingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := BackendSpec{Provider: provider, Model: model}.Key()
	config, exists := r.pricing[key]
	if !exists {
		return PricingConfig{}, fmt.Errorf("pricing not found for %s", key)
	}

	return config, nil
}

// RegisterPricing adds pricing for a provider/model pair.
func (r *InMemoryPricingRegistry) RegisterPricing(
	_ context.Context,
	provider, model string,
	config PricingConfig,
) error {
	if provider == "" {
		return errors.New("provider cannot be empty")
	}
	if model == "" {
		return errors.New("model cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pricing[BackendSpec{Provider: provider, Model: model}.Key()] = config
	return nil
}
