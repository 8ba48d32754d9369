// Package dispatch owns the call path every backend call takes: cache
// lookup, admission acquire/release, the call itself, token debit, and
// the ledger append.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/REPPL/Persona-sub005/internal/admission"
	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/ledger"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

const (
	defaultAcquireTimeout = 2 * time.Minute
	defaultCacheTTL       = time.Hour
)

// Dispatcher routes generation calls through admission control and the
// budget ledger. Cache and events are optional collaborators; a nil value
// disables them.
type Dispatcher struct {
	admission      *admission.Controller
	ledger         *ledger.Ledger
	cache          domain.ResponseCache
	events         domain.EventPublisher
	acquireTimeout time.Duration
	cacheTTL       time.Duration
}

// NewDispatcher creates a dispatcher (DI constructor).
func NewDispatcher(
	adm *admission.Controller,
	led *ledger.Ledger,
	cache domain.ResponseCache,
	events domain.EventPublisher,
) *Dispatcher {
	return &Dispatcher{
		admission:      adm,
		ledger:         led,
		cache:          cache,
		events:         events,
		acquireTimeout: defaultAcquireTimeout,
		cacheTTL:       defaultCacheTTL,
	}
}

// SetAcquireTimeout overrides the admission wait bound for each call.
func (d *Dispatcher) SetAcquireTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.acquireTimeout = timeout
	}
}

// SetCacheTTL overrides the expiry for cached responses.
func (d *Dispatcher) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		d.cacheTTL = ttl
	}
}

// OverBudget reports the ledger's advisory budget signal. Callers check
// this before initiating new calls; it is never enforced mid-call.
func (d *Dispatcher) OverBudget(ctx context.Context) bool {
	return d.ledger.IsOverBudget(ctx)
}

// Call executes one generation call against the backend identified by
// spec, recording usage on success and on failed calls that still billed
// tokens. A cache hit bypasses admission and the ledger entirely, since
// no tokens were consumed.
func (d *Dispatcher) Call(
	ctx context.Context,
	stage string,
	backend domain.Backend,
	spec domain.BackendSpec,
	req *domain.GenerationRequest,
) (*domain.GenerationResponse, error) {
	ctx = observability.WithStage(ctx, stage)
	ctx = observability.WithProvider(ctx, spec.Provider)
	ctx = observability.WithModel(ctx, spec.Model)
	logger := observability.FromContext(ctx)

	if d.cache != nil {
		cached, cacheErr := d.cache.Get(ctx, req)
		if cacheErr != nil && !errors.Is(cacheErr, domain.ErrCacheMiss) {
			logger.Warn("response cache get failed, continuing without cache",
				observability.Error(cacheErr))
		}
		if cached != nil {
			logger.Debug("response cache hit")
			d.publish(ctx, observability.EventGenerationCacheHit, map[string]interface{}{
				"backend": spec.Key(),
				"stage":   stage,
			})
			return cached, nil
		}
	}

	waited, err := d.admission.Acquire(ctx, spec.Key(), d.acquireTimeout)
	if err != nil {
		return nil, err
	}
	defer d.admission.Release(spec.Key())

	resp, callErr := backend.Generate(ctx, req)

	// Record whatever was billed, even when the call failed partway.
	if resp != nil {
		d.admission.RecordTokens(spec.Key(), resp.TotalTokens())
		d.ledger.RecordUsage(ctx, stage, spec, resp.PromptTokens, resp.CompletionTokens)
	}

	if callErr != nil {
		var rateLimited *domain.RateLimitError
		if errors.As(callErr, &rateLimited) {
			d.admission.RecordRateLimitResponse(spec.Key(), rateLimited.RetryAfter)
		}
		logger.Warn("backend call failed", observability.Error(callErr))
		return resp, callErr
	}

	logger.Debug("backend call completed",
		observability.Duration("admission_wait", waited),
		observability.Int("prompt_tokens", resp.PromptTokens),
		observability.Int("completion_tokens", resp.CompletionTokens),
	)

	if d.cache != nil {
		if setErr := d.cache.Set(ctx, req, resp, d.cacheTTL); setErr != nil {
			logger.Warn("failed to store in response cache", observability.Error(setErr))
		}
	}

	d.publish(ctx, observability.EventGenerationCompleted, map[string]interface{}{
		"backend":           spec.Key(),
		"stage":             stage,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"admission_wait_ms": waited.Milliseconds(),
	})

	return resp, nil
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.events == nil {
		return
	}
	d.events.Publish(ctx, eventType, data)
}
