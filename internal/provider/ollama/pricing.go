package ollama

import (
	"context"
	"fmt"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

// RegisterPricing registers zero-cost pricing for the configured local
// models, making the free tier explicit in the pricing table.
func (b *Backend) RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	for _, model := range b.models {
		if err := registry.RegisterPricing(ctx, b.name, model, domain.PricingConfig{}); err != nil {
			return fmt.Errorf("failed to register ollama pricing for %s: %w", model, err)
		}
	}
	return nil
}
