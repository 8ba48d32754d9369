package observability

import (
	"context"
	"log/slog"
)

// Event types emitted on the generation call path.
const (
	EventGenerationCompleted = "generation_completed"
	EventGenerationCacheHit  = "generation_cache_hit"
)

// EventBus implements the EventPublisher interface on structured logs.
// Every event carries the trace, request, stage, and backend identity
// found in the context alongside the caller-supplied payload.
type EventBus struct {
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
	}
}

// Publish publishes an event with the given type and payload.
func (e *EventBus) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.logger == nil {
		return
	}

	attrs := make([]interface{}, 0, (len(data)+5)*2)
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		attrs = append(attrs, "trace_id", traceID)
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if stage := GetStage(ctx); stage != "" {
		attrs = append(attrs, "stage", stage)
	}
	if provider := GetProvider(ctx); provider != "" {
		attrs = append(attrs, "provider", provider)
	}
	if model := GetModel(ctx); model != "" {
		attrs = append(attrs, "model", model)
	}

	e.logger.InfoContext(ctx, eventType, attrs...)
}
