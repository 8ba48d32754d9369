package domain

import (
	"context"
	"time"
)

// Backend represents any generation backend.
type Backend interface {
	// Generate sends a generation request and returns the full response.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)

	// Name returns the provider identifier.
	Name() string

	// IsConfigured reports whether the backend has usable credentials.
	IsConfigured() bool

	// AvailableModels returns the model identifiers this backend serves.
	AvailableModels(ctx context.Context) []string
}

// BackendRegistry manages available backends.
type BackendRegistry interface {
	// Register adds a backend to the registry.
	Register(ctx context.Context, backend Backend) error

	// Get retrieves a backend by provider name.
	Get(ctx context.Context, providerName string) (Backend, error)

	// GetByModel retrieves a backend that serves the given model.
	GetByModel(ctx context.Context, model string) (Backend, error)

	// List returns all registered provider names.
	List(ctx context.Context) ([]string, error)
}

// QualityVerdict is the outcome of the external quality gate for one persona.
type QualityVerdict struct {
	Passed   bool
	Score    float64
	Feedback string
}

// QualityPredicate scores one persona. It is supplied by an external
// quality-scoring subsystem and treated as opaque by the engine.
type QualityPredicate func(p *Persona) QualityVerdict

// ResponseCache caches generation responses keyed by the exact request.
type ResponseCache interface {
	// Get retrieves a cached response, or ErrCacheMiss.
	Get(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)

	// Set stores a response for the given request.
	Set(ctx context.Context, req *GenerationRequest, resp *GenerationResponse, ttl time.Duration) error
}

// EventPublisher publishes events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}
