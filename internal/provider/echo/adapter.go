// Package echo provides a testing backend that emits deterministic
// persona JSON. It implements the domain.Backend interface without making
// external API calls, providing predictable responses for testing and
// development purposes.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

const (
	providerName = "echo"
	modelName    = "echo4"

	maxPersonasPerCall = 5
)

// Backend implements the domain.Backend interface for echo testing.
type Backend struct {
	name            string
	availableModels map[string]bool
}

// NewBackend creates a new echo backend.
// No configuration is required as this backend operates entirely in-memory.
func NewBackend() *Backend {
	return &Backend{
		name: providerName,
		availableModels: map[string]bool{
			modelName: true,
		},
	}
}

// Generate produces a deterministic persona JSON array. The number of
// personas follows the first integer found in the prompt, clamped to
// [1, maxPersonasPerCall].
func (b *Backend) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if !b.availableModels[req.Model] {
		return nil, fmt.Errorf("model %s is not supported by echo backend", req.Model)
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echo generation")

	count := requestedCount(req.Prompt)
	content := buildPersonaJSON(count, req.Prompt)

	promptTokens := countTokens(req.Prompt) + countTokens(req.System)
	completionTokens := countTokens(content)

	logger.Debug("echo generation completed",
		observability.Int("prompt_tokens", promptTokens),
		observability.Int("completion_tokens", completionTokens),
	)

	return &domain.GenerationResponse{
		Content:          content,
		Model:            req.Model,
		Provider:         b.name,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		FinishReason:     "stop",
		FinishTime:       time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (b *Backend) Name() string {
	return b.name
}

// IsConfigured always reports true; echo needs no credentials.
func (b *Backend) IsConfigured() bool {
	return true
}

// AvailableModels returns a list of all models this backend serves.
func (b *Backend) AvailableModels(_ context.Context) []string {
	models := make([]string, 0, len(b.availableModels))
	for model := range b.availableModels {
		models = append(models, model)
	}
	return models
}

// requestedCount extracts the first integer in the prompt.
func requestedCount(prompt string) int {
	for _, field := range strings.Fields(prompt) {
		if n, err := strconv.Atoi(strings.Trim(field, ".,:;")); err == nil {
			if n < 1 {
				return 1
			}
			if n > maxPersonasPerCall {
				return maxPersonasPerCall
			}
			return n
		}
	}
	return 1
}

// buildPersonaJSON renders a deterministic persona array keyed off the
// prompt content, so identical prompts always produce identical output.
func buildPersonaJSON(count int, prompt string) string {
	seed := countTokens(prompt)

	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b,
			`{"name":"Echo Persona %d","role":"echo subject %d","description":"Deterministic persona %d seeded by a %d-token prompt.","goals":["understand the product"],"pain_points":["too many options"],"behaviors":["reads documentation"]}`,
			i+1, (seed+i)%7, i+1, seed)
	}
	b.WriteString("]")
	return b.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}
