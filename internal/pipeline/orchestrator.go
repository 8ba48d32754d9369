// Package pipeline implements the hybrid Draft -> Filter -> Refine
// persona pipeline. Draft runs on a cheap local backend, Filter applies
// an externally-supplied quality predicate, and Refine sends rejected
// items to a frontier backend when budget allows. Refinement is strictly
// best-effort: every item that survives Draft appears exactly once in the
// final output, refined or not.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/REPPL/Persona-sub005/internal/dispatch"
	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

const defaultBatchSize = 5

// Config controls batching and sampling for the pipeline.
type Config struct {
	BatchSize   int
	Temperature float64
	MaxTokens   int
}

// Orchestrator runs the three-stage pipeline over a local backend and an
// optional frontier backend.
type Orchestrator struct {
	dispatcher   *dispatch.Dispatcher
	local        domain.Backend
	localSpec    domain.BackendSpec
	frontier     domain.Backend // nil disables refinement
	frontierSpec domain.BackendSpec
	predicate    domain.QualityPredicate
	cfg          Config

	// Prompt rendering is an external concern; these hooks default to
	// plain built-ins and can be replaced by the caller.
	draftPrompt  func(input string, n int) string
	refinePrompt func(p *domain.Persona, feedback string) string
}

// RefineOutcome records how one rejected item left the refine stage:
// either revised by the frontier backend, or kept as drafted with the
// reason it was not refined.
type RefineOutcome struct {
	Persona *domain.Persona
	Refined bool
	Reason  string // empty when refined
}

// Result is the pipeline output. Personas preserves draft order, with
// refined items replacing their originals in place.
type Result struct {
	Personas     []*domain.Persona `json:"personas"`
	Drafted      int               `json:"drafted"`
	Passed       int               `json:"passed"`
	Failed       int               `json:"failed"`
	Refined      int               `json:"refined"`
	Placeholders int               `json:"placeholders"`
	Outcomes     []RefineOutcome   `json:"-"`
}

// NewOrchestrator creates a pipeline orchestrator. The frontier backend
// may be nil, in which case rejected items are kept as drafted.
func NewOrchestrator(
	dispatcher *dispatch.Dispatcher,
	local domain.Backend,
	localSpec domain.BackendSpec,
	frontier domain.Backend,
	frontierSpec domain.BackendSpec,
	predicate domain.QualityPredicate,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		dispatcher:   dispatcher,
		local:        local,
		localSpec:    localSpec,
		frontier:     frontier,
		frontierSpec: frontierSpec,
		predicate:    predicate,
		cfg:          cfg,
		draftPrompt:  DefaultDraftPrompt,
		refinePrompt: DefaultRefinePrompt,
	}
}

// SetPromptBuilders replaces the draft and refine prompt hooks.
// A nil builder keeps the current one.
func (o *Orchestrator) SetPromptBuilders(
	draft func(input string, n int) string,
	refine func(p *domain.Persona, feedback string) string,
) {
	if draft != nil {
		o.draftPrompt = draft
	}
	if refine != nil {
		o.refinePrompt = refine
	}
}

// Run executes Draft -> Filter -> Refine for the given input and target
// count. Per-item errors are contained and annotated; only configuration
// errors and cancellation propagate.
func (o *Orchestrator) Run(ctx context.Context, input string, count int) (*Result, error) {
	if count <= 0 {
		return nil, errors.New("target count must be positive")
	}
	if o.local == nil {
		return nil, errors.New("no local backend configured")
	}

	logger := observability.FromContext(ctx)
	logger.Info("pipeline started",
		observability.Int("target_count", count),
		observability.String("local_backend", o.localSpec.Key()),
		observability.Bool("frontier_configured", o.frontier != nil),
	)

	drafted := o.draft(ctx, input, count)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("pipeline cancelled during draft: %w", ctx.Err())
	}

	passed, failed := o.filter(drafted)

	var outcomes []RefineOutcome
	if len(failed) > 0 {
		outcomes = o.refine(ctx, failed)
	}

	result := &Result{
		Personas: drafted,
		Drafted:  len(drafted),
		Passed:   len(passed),
		Failed:   len(failed),
		Outcomes: outcomes,
	}
	for _, p := range drafted {
		if p.Placeholder {
			result.Placeholders++
		}
	}
	for _, out := range outcomes {
		if out.Refined {
			result.Refined++
		}
	}

	logger.Info("pipeline completed",
		observability.Int("drafted", result.Drafted),
		observability.Int("passed", result.Passed),
		observability.Int("failed", result.Failed),
		observability.Int("refined", result.Refined),
		observability.Int("placeholders", result.Placeholders),
	)

	return result, nil
}

// draft repeatedly calls the local backend in batches until the target
// count is reached, the budget ceiling is hit, the context is cancelled,
// or a call fails. Partial results are kept on every early exit.
func (o *Orchestrator) draft(ctx context.Context, input string, count int) []*domain.Persona {
	logger := observability.FromContext(ctx)

	batchSize := o.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	items := make([]*domain.Persona, 0, count)
	for len(items) < count {
		if ctx.Err() != nil {
			break
		}
		if o.dispatcher.OverBudget(ctx) {
			logger.Warn("budget ceiling reached, stopping draft",
				observability.Int("drafted", len(items)))
			break
		}

		remaining := count - len(items)
		if remaining > batchSize {
			remaining = batchSize
		}

		req := &domain.GenerationRequest{
			Prompt:      o.draftPrompt(input, remaining),
			Model:       o.localSpec.Model,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
			System:      draftSystemPrompt,
		}

		resp, err := o.dispatcher.Call(ctx, domain.StageLocal, o.local, o.localSpec, req)
		if err != nil {
			logger.Warn("draft batch failed, keeping partial results",
				observability.Error(err),
				observability.Int("drafted", len(items)))
			break
		}

		parsed := domain.ParsePersonas(resp.Content)
		if len(parsed) == 0 {
			placeholder := domain.PlaceholderPersona(resp.Content)
			placeholder.Stage = domain.StageLocal
			placeholder.Annotate("draft: unparseable response, placeholder synthesized")
			items = append(items, placeholder)
			continue
		}

		for _, p := range parsed {
			if len(items) >= count {
				break
			}
			p.Stage = domain.StageLocal
			p.Sources = append(p.Sources, o.localSpec.Key())
			p.Annotate("draft: generated by " + o.localSpec.Key())
			items = append(items, p)
		}
	}

	return items
}

// filter partitions drafted items by the quality predicate. It makes no
// network calls, so neither admission nor the ledger is consulted.
// A nil predicate passes everything.
func (o *Orchestrator) filter(drafted []*domain.Persona) (passed []*domain.Persona, failed []rejected) {
	for _, p := range drafted {
		if o.predicate == nil {
			passed = append(passed, p)
			continue
		}

		verdict := o.predicate(p)
		if verdict.Passed {
			p.Annotate(fmt.Sprintf("filter: passed (score %.2f)", verdict.Score))
			passed = append(passed, p)
			continue
		}

		p.Annotate(fmt.Sprintf("filter: rejected (score %.2f)", verdict.Score))
		failed = append(failed, rejected{item: p, verdict: verdict})
	}
	return passed, failed
}

type rejected struct {
	item    *domain.Persona
	verdict domain.QualityVerdict
}

// refine issues one frontier call per rejected item, carrying the
// filter's feedback. Cancellation and the budget ceiling are re-checked
// before each call, not once at stage entry, so a long pass aborts
// promptly without losing already-refined items.
func (o *Orchestrator) refine(ctx context.Context, failed []rejected) []RefineOutcome {
	outcomes := make([]RefineOutcome, 0, len(failed))

	for _, f := range failed {
		switch {
		case o.frontier == nil:
			f.item.Annotate("refine: skipped, no frontier backend configured")
			outcomes = append(outcomes, RefineOutcome{Persona: f.item, Reason: "no frontier backend configured"})
			continue
		case ctx.Err() != nil:
			f.item.Annotate("refine: skipped, cancelled")
			outcomes = append(outcomes, RefineOutcome{Persona: f.item, Reason: "cancelled"})
			continue
		case o.dispatcher.OverBudget(ctx):
			f.item.Annotate("refine: skipped, budget ceiling reached")
			outcomes = append(outcomes, RefineOutcome{Persona: f.item, Reason: "budget ceiling reached"})
			continue
		}

		outcomes = append(outcomes, o.refineOne(ctx, f))
	}

	return outcomes
}

// refineOne sends one item to the frontier backend and merges the
// revision back, preserving the item's identifier. Any failure keeps the
// original drafted item, annotated with the reason.
func (o *Orchestrator) refineOne(ctx context.Context, f rejected) RefineOutcome {
	req := &domain.GenerationRequest{
		Prompt:      o.refinePrompt(f.item, f.verdict.Feedback),
		Model:       o.frontierSpec.Model,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		System:      refineSystemPrompt,
	}

	resp, err := o.dispatcher.Call(ctx, domain.StageFrontier, o.frontier, o.frontierSpec, req)
	if err != nil {
		reason := fmt.Sprintf("refinement failed: %v", err)
		f.item.Annotate("refine: " + reason)
		return RefineOutcome{Persona: f.item, Reason: reason}
	}

	revised := domain.ParsePersonas(resp.Content)
	if len(revised) == 0 {
		reason := "refinement returned unparseable content"
		f.item.Annotate("refine: " + reason)
		return RefineOutcome{Persona: f.item, Reason: reason}
	}

	mergeRevision(f.item, revised[0])
	f.item.Refined = true
	f.item.Sources = append(f.item.Sources, o.frontierSpec.Key())
	f.item.Annotate("refine: revised by " + o.frontierSpec.Key())

	return RefineOutcome{Persona: f.item, Refined: true}
}

// mergeRevision copies revised content onto the original item without
// touching its identifier or provenance.
func mergeRevision(original, revised *domain.Persona) {
	if revised.Name != "" {
		original.Name = revised.Name
	}
	if revised.Role != "" {
		original.Role = revised.Role
	}
	if revised.Description != "" {
		original.Description = revised.Description
	}
	if len(revised.Goals) > 0 {
		original.Goals = revised.Goals
	}
	if len(revised.PainPoints) > 0 {
		original.PainPoints = revised.PainPoints
	}
	if len(revised.Behaviors) > 0 {
		original.Behaviors = revised.Behaviors
	}
	original.Placeholder = false
}
