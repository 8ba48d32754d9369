// Package coordinator fans persona generation out across a set of
// backends. Three interchangeable strategies share one contract:
// parallel (independent fan-out), sequential (strictly ordered, with
// optional context passing), and consensus (parallel gather followed by
// similarity grouping and merge).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/REPPL/Persona-sub005/internal/dispatch"
	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
	"github.com/REPPL/Persona-sub005/internal/routing"
)

// Mode selects an execution strategy.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
	ModeConsensus  Mode = "consensus"
)

const (
	defaultCount              = 3
	defaultAgreementThreshold = 0.5
)

// ErrNoBackends indicates no backend in the request could be resolved.
var ErrNoBackends = errors.New("no backend could be resolved")

// Options control one Execute run.
type Options struct {
	Mode        Mode
	Count       int
	Temperature float64
	MaxTokens   int
	// PassContext appends each backend's output to the next backend's
	// prompt in sequential mode.
	PassContext bool
	// AgreementThreshold flags merged personas whose contributor ratio
	// falls below it (consensus mode).
	AgreementThreshold float64
	// StageTag is the ledger stage for all calls; defaults to "local".
	StageTag string
}

// BackendRun holds one backend's outcome. A failure in one backend is
// recorded here and never cancels the others.
type BackendRun struct {
	Spec             domain.BackendSpec `json:"spec"`
	Personas         []*domain.Persona  `json:"personas,omitempty"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	Elapsed          time.Duration      `json:"elapsed"`
	Skipped          bool               `json:"skipped,omitempty"` // budget ceiling reached before dispatch
	Err              error              `json:"-"`
}

// Result is the outcome of one Execute run.
type Result struct {
	Runs             []BackendRun      `json:"runs"`
	Merged           []*domain.Persona `json:"merged,omitempty"` // consensus mode only
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
}

// Coordinator executes generation across multiple backends.
type Coordinator struct {
	resolver   *routing.Resolver
	dispatcher *dispatch.Dispatcher

	// prompt rendering hook, external concern with a plain default.
	prompt func(input string, n int) string
}

// New creates a coordinator (DI constructor).
func New(resolver *routing.Resolver, dispatcher *dispatch.Dispatcher) *Coordinator {
	return &Coordinator{
		resolver:   resolver,
		dispatcher: dispatcher,
		prompt:     defaultPrompt,
	}
}

// SetPromptBuilder replaces the prompt hook; nil keeps the current one.
func (c *Coordinator) SetPromptBuilder(prompt func(input string, n int) string) {
	if prompt != nil {
		c.prompt = prompt
	}
}

// Execute runs generation across all backend specs using the selected
// strategy. Per-backend errors are isolated in the run slots; only
// configuration errors and cancellation propagate.
func (c *Coordinator) Execute(
	ctx context.Context,
	input string,
	specs []domain.BackendSpec,
	opts Options,
) (*Result, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one backend spec is required")
	}
	if opts.Count <= 0 {
		opts.Count = defaultCount
	}
	if opts.Mode == "" {
		opts.Mode = ModeParallel
	}
	if opts.AgreementThreshold <= 0 {
		opts.AgreementThreshold = defaultAgreementThreshold
	}
	if opts.StageTag == "" {
		opts.StageTag = domain.StageLocal
	}

	backends, runs, resolved := c.resolve(ctx, specs)
	if resolved == 0 {
		return nil, fmt.Errorf("%w: %d spec(s) given", ErrNoBackends, len(specs))
	}

	logger := observability.FromContext(ctx)
	logger.Info("ensemble execution started",
		observability.String("mode", string(opts.Mode)),
		observability.Int("backends", resolved),
		observability.Int("count", opts.Count),
	)

	var err error
	switch opts.Mode {
	case ModeSequential:
		err = c.runSequential(ctx, input, backends, runs, opts)
	case ModeConsensus, ModeParallel:
		err = c.runParallel(ctx, input, backends, runs, opts)
	default:
		return nil, fmt.Errorf("unknown execution mode: %s", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Runs: runs}
	for i := range runs {
		result.PromptTokens += runs[i].PromptTokens
		result.CompletionTokens += runs[i].CompletionTokens
	}

	if opts.Mode == ModeConsensus {
		result.Merged = mergeByConsensus(runs, opts.Count, opts.AgreementThreshold)
	}

	logger.Info("ensemble execution completed",
		observability.Int("prompt_tokens", result.PromptTokens),
		observability.Int("completion_tokens", result.CompletionTokens),
		observability.Int("merged", len(result.Merged)),
	)

	return result, nil
}

// resolve maps specs onto callable backends; resolution failures are
// recorded on the corresponding run slot.
func (c *Coordinator) resolve(
	ctx context.Context,
	specs []domain.BackendSpec,
) (backends []domain.Backend, runs []BackendRun, resolved int) {
	backends = make([]domain.Backend, len(specs))
	runs = make([]BackendRun, len(specs))

	for i, spec := range specs {
		runs[i].Spec = spec
		backend, err := c.resolver.Resolve(ctx, spec)
		if err != nil {
			runs[i].Err = err
			continue
		}
		backends[i] = backend
		resolved++
	}
	return backends, runs, resolved
}

// runParallel issues one call per backend concurrently. Admission bounds
// each backend independently; no ordering is guaranteed between them.
func (c *Coordinator) runParallel(
	ctx context.Context,
	input string,
	backends []domain.Backend,
	runs []BackendRun,
	opts Options,
) error {
	var group errgroup.Group

	for i := range backends {
		if backends[i] == nil {
			continue
		}
		i := i
		group.Go(func() error {
			c.callOne(ctx, input, backends[i], &runs[i], opts, "")
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runSequential issues calls strictly in the given order. With context
// passing enabled, each backend after the first sees the prior backend's
// output appended to its prompt.
func (c *Coordinator) runSequential(
	ctx context.Context,
	input string,
	backends []domain.Backend,
	runs []BackendRun,
	opts Options,
) error {
	var carried string

	for i := range backends {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sequential execution cancelled: %w", err)
		}
		if backends[i] == nil {
			continue
		}

		prior := ""
		if opts.PassContext {
			prior = carried
		}

		resp := c.callOne(ctx, input, backends[i], &runs[i], opts, prior)
		if resp != "" {
			carried = resp
		}
	}
	return nil
}

// callOne performs a single backend call, recording outcome and usage on
// the run slot. It returns the raw content for sequential context
// passing, or "" on failure.
func (c *Coordinator) callOne(
	ctx context.Context,
	input string,
	backend domain.Backend,
	run *BackendRun,
	opts Options,
	priorOutput string,
) string {
	if c.dispatcher.OverBudget(ctx) {
		run.Skipped = true
		run.Err = errors.New("budget ceiling reached before dispatch")
		return ""
	}

	prompt := c.prompt(input, opts.Count)
	if priorOutput != "" {
		prompt = prompt + "\n\nPrevious backend output, build on or critique it:\n" + priorOutput
	}

	req := &domain.GenerationRequest{
		Prompt:      prompt,
		Model:       run.Spec.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	start := time.Now()
	resp, err := c.dispatcher.Call(ctx, opts.StageTag, backend, run.Spec, req)
	run.Elapsed = time.Since(start)

	if resp != nil {
		run.PromptTokens = resp.PromptTokens
		run.CompletionTokens = resp.CompletionTokens
	}
	if err != nil {
		run.Err = err
		return ""
	}

	personas := domain.ParsePersonas(resp.Content)
	if len(personas) == 0 {
		placeholder := domain.PlaceholderPersona(resp.Content)
		placeholder.Annotate("ensemble: unparseable response from " + run.Spec.Key())
		personas = []*domain.Persona{placeholder}
	}
	for _, p := range personas {
		p.Sources = []string{run.Spec.Key()}
		p.Annotate("ensemble: generated by " + run.Spec.Key())
	}
	run.Personas = personas

	return strings.TrimSpace(resp.Content)
}

func defaultPrompt(input string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d distinct user personas grounded in the research input below.\n", n)
	b.WriteString("Return a JSON array of persona objects with the fields: ")
	b.WriteString("name, role, description, goals, pain_points, behaviors.\n\n")
	b.WriteString("Research input:\n")
	b.WriteString(input)
	return b.String()
}
