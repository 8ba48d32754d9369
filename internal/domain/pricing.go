package domain

import "context"

// PricingConfig contains model pricing information.
type PricingConfig struct {
	InputPerMillion  float64 // USD per 1M input tokens
	OutputPerMillion float64 // USD per 1M output tokens
}

// PricingRegistry maintains pricing information keyed by (provider, model).
type PricingRegistry interface {
	// GetPricing returns pricing config for a provider/model pair.
	GetPricing(ctx context.Context, provider, model string) (PricingConfig, error)

	// RegisterPricing adds pricing for a provider/model pair.
	RegisterPricing(ctx context.Context, provider, model string, config PricingConfig) error
}
