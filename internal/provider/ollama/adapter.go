// Package ollama provides the local backend adapter. Ollama exposes an
// OpenAI-compatible API, so the adapter reuses the official OpenAI SDK
// pointed at the local endpoint. Local models carry no pricing, so calls
// through this backend never consume budget.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

// Backend implements the domain.Backend interface for a local Ollama server.
type Backend struct {
	client openai.Client
	name   string
	models []string
}

// NewBackend creates a new Ollama backend.
func NewBackend(config Config) (*Backend, error) {
	if config.BaseURL == "" {
		return nil, errors.New("Ollama base URL is required")
	}

	opts := []option.RequestOption{
		// Ollama ignores the key but the SDK requires one.
		option.WithAPIKey("ollama"),
		option.WithBaseURL(config.BaseURL),
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	return &Backend{
		client: openai.NewClient(opts...),
		name:   "ollama",
		models: splitModels(config.Models),
	}, nil
}

// Generate sends a generation request and returns the full response.
func (b *Backend) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling local Ollama server")

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		logger.Error("Ollama call failed", observability.Error(err))
		return nil, fmt.Errorf("ollama: %w: %v", domain.ErrBackendUnavailable, err)
	}

	content := ""
	finishReason := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = string(resp.Choices[0].FinishReason)
	}

	return &domain.GenerationResponse{
		Content:          content,
		Model:            string(resp.Model),
		Provider:         b.name,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		FinishReason:     finishReason,
		FinishTime:       time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (b *Backend) Name() string {
	return b.name
}

// IsConfigured reports whether any local models were configured.
func (b *Backend) IsConfigured() bool {
	return len(b.models) > 0
}

// AvailableModels returns the configured local model list.
func (b *Backend) AvailableModels(_ context.Context) []string {
	models := make([]string, len(b.models))
	copy(models, b.models)
	return models
}

func splitModels(csv string) []string {
	var models []string
	for _, m := range strings.Split(csv, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}
