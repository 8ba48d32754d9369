// Package openai provides a frontier backend adapter for the OpenAI API
// using the official SDK. It implements the domain.Backend interface and
// handles conversion between domain types and SDK types, mapping SDK
// errors onto the engine's error taxonomy.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

// Backend implements the domain.Backend interface for OpenAI.
type Backend struct {
	client     openai.Client
	name       string
	configured bool
}

// NewBackend creates a new OpenAI backend.
func NewBackend(config Config) (*Backend, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	if config.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}

	return &Backend{
		client:     openai.NewClient(opts...),
		name:       "openai",
		configured: true,
	}, nil
}

// Generate sends a generation request and returns the full response.
func (b *Backend) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API")

	resp, err := b.client.Chat.Completions.New(ctx, b.toSDKParams(req))
	if err != nil {
		logger.Error("OpenAI API call failed", observability.Error(err))
		return nil, b.classifyError(err)
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int("prompt_tokens", int(resp.Usage.PromptTokens)),
		observability.Int("completion_tokens", int(resp.Usage.CompletionTokens)),
	)

	return b.toDomainResponse(resp), nil
}

// Name returns the provider identifier.
func (b *Backend) Name() string {
	return b.name
}

// IsConfigured reports whether an API key was supplied.
func (b *Backend) IsConfigured() bool {
	return b.configured
}

// AvailableModels returns the models served by this adapter.
func (b *Backend) AvailableModels(_ context.Context) []string {
	return SupportedModels()
}

// classifyError maps SDK errors onto the engine's taxonomy so callers
// can react uniformly across providers.
func (b *Backend) classifyError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("OpenAI API call failed: %w", err)
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("OpenAI: %w: %v", domain.ErrBackendAuth, err)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{
			Backend:    b.name,
			RetryAfter: retryAfter(apiErr.Response),
		}
	case apiErr.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("OpenAI: %w: %v", domain.ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("OpenAI API call failed: %w", err)
	}
}

// retryAfter extracts the Retry-After header in seconds, if present.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// toSDKParams converts a domain request to SDK ChatCompletionNewParams.
func (b *Backend) toSDKParams(req *domain.GenerationRequest) openai.ChatCompletionNewParams {
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

	return params
}

// toDomainResponse converts an SDK response to a domain response.
func (b *Backend) toDomainResponse(resp *openai.ChatCompletion) *domain.GenerationResponse {
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
	}
}
