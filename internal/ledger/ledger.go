// Package ledger tracks token usage and accrued cost across pipeline
// stages. The entry sequence is append-only and every total is recomputed
// as a fold over it, so concurrent appends from parallel backend calls
// cannot drift the running totals.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

const tokensPerMillion = 1e6

// Entry records one backend call's usage.
type Entry struct {
	Stage        string             `json:"stage"`
	Backend      domain.BackendSpec `json:"backend"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	At           time.Time          `json:"at"`
}

// Ledger is the single source of truth for "are we over budget".
// The over-budget signal is advisory before a call is issued and
// authoritative after usage is recorded; enforcement happens at the
// call-initiation points, since an already-dispatched call cannot be
// preempted here.
type Ledger struct {
	mu      sync.Mutex
	pricing domain.PricingRegistry
	ceiling float64 // USD; <= 0 means no ceiling configured
	entries []Entry
}

// New creates a ledger pricing entries against the given registry.
func New(pricing domain.PricingRegistry, ceilingUSD float64) *Ledger {
	return &Ledger{
		pricing: pricing,
		ceiling: ceilingUSD,
	}
}

// RecordUsage appends a usage entry. It never fails: unknown
// (provider, model) pairs simply price to zero at fold time.
func (l *Ledger) RecordUsage(ctx context.Context, stage string, backend domain.BackendSpec, inputTokens, outputTokens int) {
	entry := Entry{
		Stage:        stage,
		Backend:      backend,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		At:           time.Now(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	observability.FromContext(ctx).Debug("usage recorded",
		observability.String("stage", stage),
		observability.String("backend", backend.Key()),
		observability.Int("input_tokens", inputTokens),
		observability.Int("output_tokens", outputTokens),
	)
}

// TotalCost folds the accrued cost over all entries.
func (l *Ledger) TotalCost(ctx context.Context) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total float64
	for _, e := range l.entries {
		total += l.entryCost(ctx, e)
	}
	return total
}

// TotalTokens folds the combined token count over all entries.
func (l *Ledger) TotalTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int
	for _, e := range l.entries {
		total += e.InputTokens + e.OutputTokens
	}
	return total
}

// CostByStage folds the accrued cost for one stage tag.
func (l *Ledger) CostByStage(ctx context.Context, stage string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total float64
	for _, e := range l.entries {
		if e.Stage == stage {
			total += l.entryCost(ctx, e)
		}
	}
	return total
}

// EntriesByStage counts entries recorded under one stage tag.
func (l *Ledger) EntriesByStage(stage string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int
	for _, e := range l.entries {
		if e.Stage == stage {
			count++
		}
	}
	return count
}

// IsOverBudget reports whether a ceiling is configured and exceeded.
func (l *Ledger) IsOverBudget(ctx context.Context) bool {
	return l.ceiling > 0 && l.TotalCost(ctx) > l.ceiling
}

// RemainingBudget returns ceiling minus accrued cost, or false when no
// ceiling is configured.
func (l *Ledger) RemainingBudget(ctx context.Context) (float64, bool) {
	if l.ceiling <= 0 {
		return 0, false
	}
	return l.ceiling - l.TotalCost(ctx), true
}

// Entries returns a copy of the entry sequence.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// entryCost prices one entry. Unknown (provider, model) pairs cost zero,
// so an unpriced or local backend never blocks generation.
func (l *Ledger) entryCost(ctx context.Context, e Entry) float64 {
	pricing, err := l.pricing.GetPricing(ctx, e.Backend.Provider, e.Backend.Model)
	if err != nil {
		return 0
	}

	inputCost := float64(e.InputTokens) / tokensPerMillion * pricing.InputPerMillion
	outputCost := float64(e.OutputTokens) / tokensPerMillion * pricing.OutputPerMillion
	return inputCost + outputCost
}
