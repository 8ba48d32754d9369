package echo

import (
	"context"
	"fmt"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

const (
	echo4InputPerMillion  = 0.0
	echo4OutputPerMillion = 0.0
)

// RegisterPricing registers echo model pricing with the registry.
// Echo models have zero cost as they are for testing purposes only.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	if err := registry.RegisterPricing(ctx, providerName, modelName, domain.PricingConfig{
		InputPerMillion:  echo4InputPerMillion,
		OutputPerMillion: echo4OutputPerMillion,
	}); err != nil {
		return fmt.Errorf("failed to register echo pricing: %w", err)
	}
	return nil
}
