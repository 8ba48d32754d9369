package ollama_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/provider/ollama"
)

func TestNewBackend_Success(t *testing.T) {
	config := ollama.Config{
		BaseURL: "http://localhost:11434/v1",
		Models:  "llama3.1, mistral",
		Timeout: 300,
	}

	backend, err := ollama.NewBackend(config)

	require.NoError(t, err)
	require.NotNil(t, backend)
	require.Equal(t, "ollama", backend.Name())
	require.True(t, backend.IsConfigured())
	require.Equal(t, []string{"llama3.1", "mistral"}, backend.AvailableModels(context.Background()))
}

func TestNewBackend_MissingBaseURL(t *testing.T) {
	backend, err := ollama.NewBackend(ollama.Config{})

	require.Error(t, err)
	require.Nil(t, backend)
}

func TestBackend_NotConfiguredWithoutModels(t *testing.T) {
	backend, err := ollama.NewBackend(ollama.Config{
		BaseURL: "http://localhost:11434/v1",
		Models:  " , ",
	})

	require.NoError(t, err)
	require.False(t, backend.IsConfigured())
	require.Empty(t, backend.AvailableModels(context.Background()))
}

func TestBackend_Generate_NilRequest(t *testing.T) {
	backend, err := ollama.NewBackend(ollama.Config{
		BaseURL: "http://localhost:11434/v1",
		Models:  "llama3.1",
	})
	require.NoError(t, err)

	_, err = backend.Generate(context.Background(), nil)
	require.Error(t, err)
}

func TestBackend_RegisterPricing(t *testing.T) {
	backend, err := ollama.NewBackend(ollama.Config{
		BaseURL: "http://localhost:11434/v1",
		Models:  "llama3.1,mistral",
	})
	require.NoError(t, err)

	registry := domain.NewInMemoryPricingRegistry()
	require.NoError(t, backend.RegisterPricing(context.Background(), registry))

	// Local models price to zero, so they never consume budget.
	pricing, err := registry.GetPricing(context.Background(), "ollama", "llama3.1")
	require.NoError(t, err)
	require.Zero(t, pricing.InputPerMillion)
	require.Zero(t, pricing.OutputPerMillion)
}
