package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/REPPL/Persona-sub005/internal/admission"
	"github.com/REPPL/Persona-sub005/internal/dispatch"
	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/ledger"
)

var testSpec = domain.BackendSpec{Provider: "openai", Model: "gpt-4o"}

// mockBackend is a scriptable Backend for testing.
type mockBackend struct {
	mu           sync.Mutex
	generateFunc func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
	calls        int
}

func (m *mockBackend) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return &domain.GenerationResponse{
		Content:          `[{"name": "Ana", "role": "developer"}]`,
		Model:            req.Model,
		Provider:         "openai",
		PromptTokens:     100,
		CompletionTokens: 50,
		FinishReason:     "stop",
		FinishTime:       time.Now(),
	}, nil
}

func (m *mockBackend) Name() string                               { return "openai" }
func (m *mockBackend) IsConfigured() bool                         { return true }
func (m *mockBackend) AvailableModels(_ context.Context) []string { return []string{"gpt-4o"} }

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockCache is an in-memory ResponseCache for testing.
type mockCache struct {
	mu      sync.Mutex
	stored  map[string]*domain.GenerationResponse
	getErr  error
	setErr  error
	sets    int
}

func newMockCache() *mockCache {
	return &mockCache{stored: make(map[string]*domain.GenerationResponse)}
}

func (m *mockCache) Get(_ context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	resp, ok := m.stored[req.Prompt]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return resp, nil
}

func (m *mockCache) Set(_ context.Context, req *domain.GenerationRequest, resp *domain.GenerationResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.stored[req.Prompt] = resp
	m.sets++
	return nil
}

// mockEvents records published events.
type mockEvents struct {
	mu     sync.Mutex
	events []string
}

func (m *mockEvents) Publish(_ context.Context, eventType string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockEvents) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func newTestLedger(t *testing.T, ceiling float64) *ledger.Ledger {
	t.Helper()
	pricing := domain.NewInMemoryPricingRegistry()
	err := pricing.RegisterPricing(context.Background(), "openai", "gpt-4o", domain.PricingConfig{
		InputPerMillion:  5.0,
		OutputPerMillion: 10.0,
	})
	require.NoError(t, err)
	return ledger.New(pricing, ceiling)
}

func TestDispatcherCall(t *testing.T) {
	ctx := context.Background()

	t.Run("should record usage on success", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		backend := &mockBackend{}
		events := &mockEvents{}
		dispatcher := dispatch.NewDispatcher(controller, led, nil, events)

		resp, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate 3 personas",
			Model:  "gpt-4o",
		})

		require.NoError(t, err)
		require.NotNil(t, resp)
		require.Equal(t, 1, backend.callCount())
		require.Equal(t, 150, led.TotalTokens())
		require.Equal(t, 1, led.EntriesByStage(domain.StageLocal))
		require.Contains(t, events.published(), "generation_completed")
	})

	t.Run("should record usage when a failed call still billed tokens", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		backend := &mockBackend{
			generateFunc: func(_ context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
				return &domain.GenerationResponse{
					Model:            req.Model,
					PromptTokens:     80,
					CompletionTokens: 10,
				}, errors.New("connection reset mid-stream")
			},
		}
		dispatcher := dispatch.NewDispatcher(controller, led, nil, nil)

		_, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})

		require.Error(t, err)
		require.Equal(t, 90, led.TotalTokens())
	})

	t.Run("should record nothing when the call fails without a response", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		backend := &mockBackend{
			generateFunc: func(_ context.Context, _ *domain.GenerationRequest) (*domain.GenerationResponse, error) {
				return nil, errors.New("connection refused")
			},
		}
		dispatcher := dispatch.NewDispatcher(controller, led, nil, nil)

		_, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})

		require.Error(t, err)
		require.Zero(t, led.TotalTokens())
		require.Empty(t, led.Entries())
	})

	t.Run("should enter backoff after a provider rate-limit response", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		backend := &mockBackend{
			generateFunc: func(_ context.Context, _ *domain.GenerationRequest) (*domain.GenerationResponse, error) {
				return nil, &domain.RateLimitError{Backend: "openai", RetryAfter: 5 * time.Second}
			},
		}
		dispatcher := dispatch.NewDispatcher(controller, led, nil, nil)

		_, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})

		require.Error(t, err)
		status := controller.Status(testSpec.Key())
		require.Greater(t, status.BackoffRemaining, time.Duration(0))
	})

	t.Run("should release the concurrency slot on every exit path", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure(testSpec.Key(), admission.Limits{MaxConcurrent: 1})
		led := newTestLedger(t, 0)
		backend := &mockBackend{
			generateFunc: func(_ context.Context, _ *domain.GenerationRequest) (*domain.GenerationResponse, error) {
				return nil, errors.New("boom")
			},
		}
		dispatcher := dispatch.NewDispatcher(controller, led, nil, nil)

		for i := 0; i < 3; i++ {
			_, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
				Prompt: "generate",
				Model:  "gpt-4o",
			})
			require.Error(t, err)
		}

		// All slots freed: a fresh acquire succeeds immediately.
		_, err := controller.Acquire(ctx, testSpec.Key(), 100*time.Millisecond)
		require.NoError(t, err)
		controller.Release(testSpec.Key())
	})

	t.Run("should propagate cancellation before dispatching", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		backend := &mockBackend{}
		dispatcher := dispatch.NewDispatcher(controller, led, nil, nil)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := dispatcher.Call(cancelled, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})

		require.Error(t, err)
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, backend.callCount())
	})
}

func TestDispatcherCache(t *testing.T) {
	ctx := context.Background()

	t.Run("should bypass admission and ledger on a cache hit", func(t *testing.T) {
		controller := admission.NewController()
		// Saturate the backend so any admission attempt would block.
		controller.Configure(testSpec.Key(), admission.Limits{MaxConcurrent: 1})
		_, err := controller.Acquire(ctx, testSpec.Key(), time.Second)
		require.NoError(t, err)

		led := newTestLedger(t, 0)
		cache := newMockCache()
		cache.stored["generate"] = &domain.GenerationResponse{
			Content:          `[{"name": "Ana", "role": "developer"}]`,
			PromptTokens:     100,
			CompletionTokens: 50,
		}
		backend := &mockBackend{}
		events := &mockEvents{}
		dispatcher := dispatch.NewDispatcher(controller, led, cache, events)

		resp, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})

		require.NoError(t, err)
		require.NotNil(t, resp)
		require.Zero(t, backend.callCount())
		require.Zero(t, led.TotalTokens())
		require.Contains(t, events.published(), "generation_cache_hit")

		controller.Release(testSpec.Key())
	})

	t.Run("should store successful responses in the cache", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		cache := newMockCache()
		backend := &mockBackend{}
		dispatcher := dispatch.NewDispatcher(controller, led, cache, nil)

		_, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})
		require.NoError(t, err)
		require.Equal(t, 1, cache.sets)

		// Second identical call is served from the cache.
		_, err = dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})
		require.NoError(t, err)
		require.Equal(t, 1, backend.callCount())
	})

	t.Run("should continue without cache when the cache errors", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 0)
		cache := newMockCache()
		cache.getErr = errors.New("redis unreachable")
		backend := &mockBackend{}
		dispatcher := dispatch.NewDispatcher(controller, led, cache, nil)

		resp, err := dispatcher.Call(ctx, domain.StageLocal, backend, testSpec, &domain.GenerationRequest{
			Prompt: "generate",
			Model:  "gpt-4o",
		})

		require.NoError(t, err)
		require.NotNil(t, resp)
		require.Equal(t, 1, backend.callCount())
	})
}

func TestDispatcherOverBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("should reflect the ledger's advisory signal", func(t *testing.T) {
		controller := admission.NewController()
		led := newTestLedger(t, 1.00)
		dispatcher := dispatch.NewDispatcher(controller, led, nil, nil)

		require.False(t, dispatcher.OverBudget(ctx))

		led.RecordUsage(ctx, domain.StageLocal, testSpec, 300_000, 0) // $1.50
		require.True(t, dispatcher.OverBudget(ctx))
	})
}
