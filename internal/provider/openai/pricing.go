package openai

import (
	"context"
	"fmt"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

// Model pricing, USD per million tokens.
var modelPricing = map[string]domain.PricingConfig{
	"gpt-4o":       {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":  {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":      {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini": {InputPerMillion: 0.40, OutputPerMillion: 1.60},
}

// RegisterPricing registers OpenAI model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	for model, pricing := range modelPricing {
		if err := registry.RegisterPricing(ctx, "openai", model, pricing); err != nil {
			return fmt.Errorf("failed to register OpenAI pricing for %s: %w", model, err)
		}
	}
	return nil
}
