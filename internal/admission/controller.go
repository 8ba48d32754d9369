// Package admission bounds concurrent and per-minute call volume to each
// generation backend. Every backend gets two independent token buckets
// (request count and throughput tokens) plus a concurrency semaphore,
// because some providers limit by call count and others effectively by
// data volume — a single scalar limiter cannot represent both.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/REPPL/Persona-sub005/internal/observability"
)

// ErrRateLimitExceeded is returned when Acquire cannot obtain a slot and
// a request token before its timeout. It is retryable by the caller.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	defaultBackoff      = 30 * time.Second
	secondsPerMinute    = 60.0
	minConcurrencySlots = 1
)

// Limits configures admission for one backend.
// Zero RequestsPerMinute or TokensPerMinute means unlimited on that axis.
type Limits struct {
	RequestsPerMinute float64
	TokensPerMinute   float64
	MaxConcurrent     int64
}

// DefaultLimits returns the seeded limits for a known provider.
func DefaultLimits(provider string) Limits {
	switch provider {
	case "openai":
		return Limits{RequestsPerMinute: 60, TokensPerMinute: 90000, MaxConcurrent: 8}
	case "ollama":
		return Limits{RequestsPerMinute: 120, TokensPerMinute: 0, MaxConcurrent: 2}
	default:
		return Limits{RequestsPerMinute: 600, TokensPerMinute: 0, MaxConcurrent: 16}
	}
}

// Status is a read-only snapshot of one backend's limiter state.
// An unlimited axis is flagged explicitly so that zero availability is
// never confused with an absent limit.
type Status struct {
	Limits            Limits        `json:"limits"`
	AvailableRequests float64       `json:"available_requests"`
	AvailableTokens   float64       `json:"available_tokens"`
	UnlimitedRequests bool          `json:"unlimited_requests,omitempty"`
	UnlimitedTokens   bool          `json:"unlimited_tokens,omitempty"`
	InFlight          int64         `json:"in_flight"`
	BackoffRemaining  time.Duration `json:"backoff_remaining"`
}

type backendState struct {
	mu           sync.Mutex
	limits       Limits
	requests     *rate.Limiter // nil means unlimited
	tokens       *rate.Limiter // nil means unlimited
	sem          *semaphore.Weighted
	inFlight     int64
	backoffUntil time.Time
}

// Controller gates calls per backend identifier. State is held per
// backend behind its own lock, so different backends' calls proceed
// fully in parallel.
type Controller struct {
	mu       sync.RWMutex
	backends map[string]*backendState
}

// NewController creates a new admission controller. Unknown backends are
// seeded lazily from DefaultLimits for their provider.
func NewController() *Controller {
	return &Controller{
		backends: make(map[string]*backendState),
	}
}

// Configure sets the limits for a backend, replacing any existing state.
func (c *Controller) Configure(backendID string, limits Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[backendID] = newBackendState(limits)
}

// Acquire blocks until a concurrency slot, a request token, and
// throughput-bucket headroom are all available for the backend, or the
// timeout elapses. It returns the time actually waited. A timeout yields
// ErrRateLimitExceeded; cancellation of the caller's context yields the
// context error instead. An aborted acquire returns its request token to
// the bucket.
func (c *Controller) Acquire(ctx context.Context, backendID string, timeout time.Duration) (time.Duration, error) {
	s := c.state(backendID)
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.sem.Acquire(actx, 1); err != nil {
		return time.Since(start), admissionErr(ctx, backendID)
	}

	// Explicit backoff from a provider 429 overrides bucket math.
	if err := s.waitBackoff(actx); err != nil {
		s.sem.Release(1)
		return time.Since(start), admissionErr(ctx, backendID)
	}

	var reservation *rate.Reservation
	if s.requests != nil {
		reservation = s.requests.Reserve()
		if err := waitDelay(actx, reservation.Delay()); err != nil {
			reservation.Cancel()
			s.sem.Release(1)
			return time.Since(start), admissionErr(ctx, backendID)
		}
	}

	if err := s.waitTokens(actx); err != nil {
		if reservation != nil {
			reservation.Cancel()
		}
		s.sem.Release(1)
		return time.Since(start), admissionErr(ctx, backendID)
	}

	// A rate-limit response may have landed while waiting for the token.
	if err := s.waitBackoff(actx); err != nil {
		if reservation != nil {
			reservation.Cancel()
		}
		s.sem.Release(1)
		return time.Since(start), admissionErr(ctx, backendID)
	}

	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	waited := time.Since(start)
	if waited > time.Second {
		observability.FromContext(ctx).Debug("admission wait",
			observability.String("backend", backendID),
			observability.Duration("waited", waited),
		)
	}

	return waited, nil
}

// Release returns a concurrency slot after a call completes. It must be
// invoked exactly once per successful Acquire, on every exit path.
func (c *Controller) Release(backendID string) {
	s := c.state(backendID)

	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()

	s.sem.Release(1)
}

// RecordTokens debits consumed throughput tokens from the backend's
// token bucket. Consumption beyond the bucket capacity is clamped.
func (c *Controller) RecordTokens(backendID string, tokens int) {
	s := c.state(backendID)
	if s.tokens == nil || tokens <= 0 {
		return
	}

	if burst := s.tokens.Burst(); tokens > burst {
		tokens = burst
	}
	s.tokens.ReserveN(time.Now(), tokens)
}

// RecordRateLimitResponse absorbs an explicit rate-limit signal from the
// backend: both buckets are drained and subsequent Acquire calls wait at
// least retryAfter (or a default when unspecified), regardless of token
// availability.
func (c *Controller) RecordRateLimitResponse(backendID string, retryAfter time.Duration) {
	s := c.state(backendID)
	if retryAfter <= 0 {
		retryAfter = defaultBackoff
	}

	s.mu.Lock()
	until := time.Now().Add(retryAfter)
	if until.After(s.backoffUntil) {
		s.backoffUntil = until
	}
	s.mu.Unlock()

	drain(s.requests)
	drain(s.tokens)

	observability.FromContext(context.Background()).Warn("backend reported rate limiting",
		observability.String("backend", backendID),
		observability.Duration("retry_after", retryAfter),
	)
}

// Status returns a snapshot of the backend's limiter state.
func (c *Controller) Status(backendID string) Status {
	s := c.state(backendID)

	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Limits:   s.limits,
		InFlight: s.inFlight,
	}
	if remaining := time.Until(s.backoffUntil); remaining > 0 {
		status.BackoffRemaining = remaining
	}
	status.AvailableRequests = available(s.requests)
	status.AvailableTokens = available(s.tokens)
	status.UnlimitedRequests = s.requests == nil
	status.UnlimitedTokens = s.tokens == nil

	return status
}

// Backends returns the identifiers with configured or seeded state.
func (c *Controller) Backends() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.backends))
	for id := range c.backends {
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) state(backendID string) *backendState {
	c.mu.RLock()
	s, exists := c.backends[backendID]
	c.mu.RUnlock()
	if exists {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, exists = c.backends[backendID]; exists {
		return s
	}

	s = newBackendState(DefaultLimits(providerOf(backendID)))
	c.backends[backendID] = s
	return s
}

func newBackendState(limits Limits) *backendState {
	concurrency := limits.MaxConcurrent
	if concurrency < minConcurrencySlots {
		concurrency = minConcurrencySlots
	}

	s := &backendState{
		limits: limits,
		sem:    semaphore.NewWeighted(concurrency),
	}
	if limits.RequestsPerMinute > 0 {
		burst := int(limits.RequestsPerMinute)
		if burst < 1 {
			burst = 1
		}
		s.requests = rate.NewLimiter(rate.Limit(limits.RequestsPerMinute/secondsPerMinute), burst)
	}
	if limits.TokensPerMinute > 0 {
		s.tokens = rate.NewLimiter(rate.Limit(limits.TokensPerMinute/secondsPerMinute), int(limits.TokensPerMinute))
	}

	return s
}

// waitTokens blocks until the throughput bucket holds at least one
// token. The bucket is debited with actual usage after each call, so
// admission gates on headroom rather than consuming from it here.
func (s *backendState) waitTokens(ctx context.Context) error {
	if s.tokens == nil {
		return nil
	}
	for {
		deficit := 1 - s.tokens.Tokens()
		if deficit <= 0 {
			return nil
		}

		wait := time.Duration(deficit / float64(s.tokens.Limit()) * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitDelay sleeps for a reservation delay, honouring cancellation.
func waitDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitBackoff blocks until any explicit backoff window has passed.
func (s *backendState) waitBackoff(ctx context.Context) error {
	for {
		s.mu.Lock()
		wait := time.Until(s.backoffUntil)
		s.mu.Unlock()

		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// admissionErr distinguishes caller cancellation from admission timeout.
func admissionErr(ctx context.Context, backendID string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("admission for backend %s cancelled: %w", backendID, ctx.Err())
	}
	return fmt.Errorf("backend %s: %w", backendID, ErrRateLimitExceeded)
}

func drain(l *rate.Limiter) {
	if l == nil {
		return
	}
	if tokens := l.Tokens(); tokens >= 1 {
		l.ReserveN(time.Now(), int(tokens))
	}
}

func available(l *rate.Limiter) float64 {
	if l == nil {
		return 0
	}
	tokens := l.Tokens()
	if tokens < 0 {
		return 0
	}
	if burst := float64(l.Burst()); tokens > burst {
		return burst
	}
	return tokens
}

func providerOf(backendID string) string {
	if i := strings.IndexByte(backendID, '/'); i >= 0 {
		return backendID[:i]
	}
	return backendID
}
