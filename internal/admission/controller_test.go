package admission_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/REPPL/Persona-sub005/internal/admission"
)

func TestControllerAcquire(t *testing.T) {
	t.Run("should admit immediately when limits allow", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("echo/echo4", admission.Limits{
			RequestsPerMinute: 600,
			MaxConcurrent:     8,
		})

		waited, err := controller.Acquire(context.Background(), "echo/echo4", time.Second)

		require.NoError(t, err)
		require.Less(t, waited, 100*time.Millisecond)
		controller.Release("echo/echo4")
	})

	t.Run("should never exceed max concurrent calls", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("ollama/llama3.1", admission.Limits{
			MaxConcurrent: 2,
		})

		var inFlight, peak int64
		var wg sync.WaitGroup

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				_, err := controller.Acquire(context.Background(), "ollama/llama3.1", 5*time.Second)
				require.NoError(t, err)

				current := atomic.AddInt64(&inFlight, 1)
				for {
					observed := atomic.LoadInt64(&peak)
					if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				controller.Release("ollama/llama3.1")
			}()
		}
		wg.Wait()

		require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	})

	t.Run("should return rate limit error on timeout", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			MaxConcurrent: 1,
		})

		_, err := controller.Acquire(context.Background(), "openai/gpt-4o", time.Second)
		require.NoError(t, err)

		_, err = controller.Acquire(context.Background(), "openai/gpt-4o", 50*time.Millisecond)
		require.Error(t, err)
		require.ErrorIs(t, err, admission.ErrRateLimitExceeded)

		controller.Release("openai/gpt-4o")
	})

	t.Run("should return context error on caller cancellation, not rate limit error", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			MaxConcurrent: 1,
		})

		_, err := controller.Acquire(context.Background(), "openai/gpt-4o", time.Second)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err = controller.Acquire(ctx, "openai/gpt-4o", 5*time.Second)
		require.Error(t, err)
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, admission.ErrRateLimitExceeded)

		controller.Release("openai/gpt-4o")
	})

	t.Run("should seed unknown backends with provider defaults", func(t *testing.T) {
		controller := admission.NewController()

		status := controller.Status("openai/gpt-4o-mini")
		require.Equal(t, admission.DefaultLimits("openai"), status.Limits)

		status = controller.Status("something/else")
		require.Equal(t, admission.DefaultLimits("something"), status.Limits)
	})
}

func TestControllerRecordRateLimitResponse(t *testing.T) {
	t.Run("should make subsequent acquire wait at least retry-after", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			RequestsPerMinute: 600,
			MaxConcurrent:     4,
		})

		controller.RecordRateLimitResponse("openai/gpt-4o", 150*time.Millisecond)

		start := time.Now()
		waited, err := controller.Acquire(context.Background(), "openai/gpt-4o", 2*time.Second)
		require.NoError(t, err)
		require.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
		require.GreaterOrEqual(t, waited, 120*time.Millisecond)

		controller.Release("openai/gpt-4o")
	})

	t.Run("should report backoff in status", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{MaxConcurrent: 4})

		controller.RecordRateLimitResponse("openai/gpt-4o", 5*time.Second)

		status := controller.Status("openai/gpt-4o")
		require.Greater(t, status.BackoffRemaining, time.Duration(0))
	})

	t.Run("should not shorten an existing backoff window", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{MaxConcurrent: 4})

		controller.RecordRateLimitResponse("openai/gpt-4o", 5*time.Second)
		controller.RecordRateLimitResponse("openai/gpt-4o", 50*time.Millisecond)

		status := controller.Status("openai/gpt-4o")
		require.Greater(t, status.BackoffRemaining, time.Second)
	})
}

func TestControllerRecordTokens(t *testing.T) {
	t.Run("should debit the token bucket", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			TokensPerMinute: 10000,
			MaxConcurrent:   4,
		})

		before := controller.Status("openai/gpt-4o").AvailableTokens
		require.InDelta(t, 10000, before, 50)

		controller.RecordTokens("openai/gpt-4o", 4000)

		after := controller.Status("openai/gpt-4o").AvailableTokens
		require.InDelta(t, 6000, after, 50)
	})

	t.Run("should clamp consumption beyond bucket capacity", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			TokensPerMinute: 1000,
			MaxConcurrent:   4,
		})

		controller.RecordTokens("openai/gpt-4o", 50000)

		status := controller.Status("openai/gpt-4o")
		require.GreaterOrEqual(t, status.AvailableTokens, float64(0))
	})
}

func TestControllerThroughputGate(t *testing.T) {
	t.Run("should block acquire while the throughput bucket is exhausted", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			RequestsPerMinute: 600,
			TokensPerMinute:   600,
			MaxConcurrent:     4,
		})

		controller.RecordTokens("openai/gpt-4o", 600)

		_, err := controller.Acquire(context.Background(), "openai/gpt-4o", 50*time.Millisecond)
		require.Error(t, err)
		require.ErrorIs(t, err, admission.ErrRateLimitExceeded)
	})

	t.Run("should admit once the throughput bucket refills", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			RequestsPerMinute: 600,
			TokensPerMinute:   600,
			MaxConcurrent:     4,
		})

		controller.RecordTokens("openai/gpt-4o", 600)

		waited, err := controller.Acquire(context.Background(), "openai/gpt-4o", 2*time.Second)
		require.NoError(t, err)
		require.GreaterOrEqual(t, waited, 50*time.Millisecond)

		controller.Release("openai/gpt-4o")
	})

	t.Run("should not gate when tokens are unlimited", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("ollama/llama3.1", admission.Limits{
			RequestsPerMinute: 600,
			MaxConcurrent:     2,
		})

		waited, err := controller.Acquire(context.Background(), "ollama/llama3.1", time.Second)
		require.NoError(t, err)
		require.Less(t, waited, 100*time.Millisecond)

		controller.Release("ollama/llama3.1")
	})

	t.Run("should return the request token when admission aborts", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			RequestsPerMinute: 60,
			TokensPerMinute:   600,
			MaxConcurrent:     4,
		})

		controller.RecordTokens("openai/gpt-4o", 600)

		_, err := controller.Acquire(context.Background(), "openai/gpt-4o", 50*time.Millisecond)
		require.Error(t, err)

		// The bucket refills at 1/s, so anything near 60 means the
		// aborted acquire's token came back rather than refilled.
		status := controller.Status("openai/gpt-4o")
		require.GreaterOrEqual(t, status.AvailableRequests, 59.9)
	})
}

func TestControllerStatusUnlimitedAxes(t *testing.T) {
	t.Run("should flag an unlimited axis instead of reporting it exhausted", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("ollama/llama3.1", admission.Limits{
			RequestsPerMinute: 120,
			MaxConcurrent:     2,
		})

		status := controller.Status("ollama/llama3.1")
		require.True(t, status.UnlimitedTokens)
		require.False(t, status.UnlimitedRequests)
		require.InDelta(t, 120, status.AvailableRequests, 5)
	})

	t.Run("should flag both axes for a backend with no bucket limits", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("echo/echo4", admission.Limits{MaxConcurrent: 8})

		status := controller.Status("echo/echo4")
		require.True(t, status.UnlimitedRequests)
		require.True(t, status.UnlimitedTokens)
	})

	t.Run("should not flag a limited axis even when drained", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("openai/gpt-4o", admission.Limits{
			TokensPerMinute: 1000,
			MaxConcurrent:   4,
		})

		controller.RecordTokens("openai/gpt-4o", 1000)

		status := controller.Status("openai/gpt-4o")
		require.False(t, status.UnlimitedTokens)
		require.InDelta(t, 0, status.AvailableTokens, 5)
	})
}

func TestControllerBackends(t *testing.T) {
	t.Run("should list configured and seeded backends", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("echo/echo4", admission.Limits{MaxConcurrent: 1})
		controller.Status("ollama/llama3.1")

		ids := controller.Backends()
		require.ElementsMatch(t, []string{"echo/echo4", "ollama/llama3.1"}, ids)
	})
}

func TestControllerIndependentBackends(t *testing.T) {
	t.Run("should not let one backend's saturation block another", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("a/x", admission.Limits{MaxConcurrent: 1})
		controller.Configure("b/y", admission.Limits{MaxConcurrent: 1})

		_, err := controller.Acquire(context.Background(), "a/x", time.Second)
		require.NoError(t, err)

		waited, err := controller.Acquire(context.Background(), "b/y", time.Second)
		require.NoError(t, err)
		require.Less(t, waited, 100*time.Millisecond)

		controller.Release("a/x")
		controller.Release("b/y")
	})

	t.Run("should free the slot on release", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("a/x", admission.Limits{MaxConcurrent: 1})

		_, err := controller.Acquire(context.Background(), "a/x", time.Second)
		require.NoError(t, err)
		controller.Release("a/x")

		_, err = controller.Acquire(context.Background(), "a/x", 100*time.Millisecond)
		require.NoError(t, err)
		controller.Release("a/x")
	})

	t.Run("should not wrap errors from unrelated backoff", func(t *testing.T) {
		controller := admission.NewController()
		controller.Configure("a/x", admission.Limits{MaxConcurrent: 1})
		controller.RecordRateLimitResponse("b/y", time.Minute)

		_, err := controller.Acquire(context.Background(), "a/x", 200*time.Millisecond)
		require.NoError(t, err)
		controller.Release("a/x")
	})
}

func TestDefaultLimits(t *testing.T) {
	tests := []struct {
		provider string
		want     admission.Limits
	}{
		{provider: "openai", want: admission.Limits{RequestsPerMinute: 60, TokensPerMinute: 90000, MaxConcurrent: 8}},
		{provider: "ollama", want: admission.Limits{RequestsPerMinute: 120, TokensPerMinute: 0, MaxConcurrent: 2}},
		{provider: "unknown", want: admission.Limits{RequestsPerMinute: 600, TokensPerMinute: 0, MaxConcurrent: 16}},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			require.Equal(t, tt.want, admission.DefaultLimits(tt.provider))
		})
	}
}

func TestErrRateLimitExceeded(t *testing.T) {
	t.Run("should be matchable through wrapping", func(t *testing.T) {
		wrapped := errors.Join(errors.New("outer"), admission.ErrRateLimitExceeded)
		require.ErrorIs(t, wrapped, admission.ErrRateLimitExceeded)
	})
}
