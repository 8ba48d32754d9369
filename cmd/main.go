package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	"github.com/REPPL/Persona-sub005/internal/admission"
	rediscache "github.com/REPPL/Persona-sub005/internal/cache/redis"
	"github.com/REPPL/Persona-sub005/internal/config"
	"github.com/REPPL/Persona-sub005/internal/coordinator"
	"github.com/REPPL/Persona-sub005/internal/dispatch"
	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/httpserver"
	"github.com/REPPL/Persona-sub005/internal/httpserver/middleware"
	"github.com/REPPL/Persona-sub005/internal/ledger"
	"github.com/REPPL/Persona-sub005/internal/observability"
	"github.com/REPPL/Persona-sub005/internal/pipeline"
	"github.com/REPPL/Persona-sub005/internal/provider/echo"
	"github.com/REPPL/Persona-sub005/internal/provider/ollama"
	"github.com/REPPL/Persona-sub005/internal/provider/openai"
	"github.com/REPPL/Persona-sub005/internal/provider/registry"
	"github.com/REPPL/Persona-sub005/internal/routing"
)

func main() {
	container := buildContainer()

	err := container.Invoke(func(server *httpserver.Server) {
		if err := server.Start(); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(func() domain.EventPublisher {
		return observability.NewEventBus(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}

	// Backend Registry
	if err := container.Provide(func() domain.BackendRegistry {
		return registry.NewRegistry()
	}); err != nil {
		log.Fatalf("Failed to provide registry: %v", err)
	}

	// Pricing Registry
	if err := container.Provide(func() domain.PricingRegistry {
		return domain.NewInMemoryPricingRegistry()
	}); err != nil {
		log.Fatalf("Failed to provide pricing registry: %v", err)
	}

	// OpenAI Backend (optional, skipped when no API key is set)
	if err := container.Provide(func(cfg *openai.Config) (*openai.Backend, error) {
		if cfg.APIKey == "" {
			return nil, nil
		}
		return openai.NewBackend(*cfg)
	}); err != nil {
		log.Fatalf("Failed to provide OpenAI backend: %v", err)
	}

	// Ollama Backend
	if err := container.Provide(func(cfg *ollama.Config) (*ollama.Backend, error) {
		return ollama.NewBackend(*cfg)
	}); err != nil {
		log.Fatalf("Failed to provide Ollama backend: %v", err)
	}

	// Echo Backend (deterministic, for smoke tests and offline runs)
	if err := container.Provide(echo.NewBackend); err != nil {
		log.Fatalf("Failed to provide echo backend: %v", err)
	}

	// Register backends and pricing (invoked for side effects)
	if err := container.Invoke(registerBackends); err != nil {
		log.Fatalf("Failed to register backends: %v", err)
	}

	// Admission and Budget
	if err := container.Provide(admission.NewController); err != nil {
		log.Fatalf("Failed to provide admission controller: %v", err)
	}
	if err := container.Provide(func(pricing domain.PricingRegistry, budget *config.BudgetConfig) *ledger.Ledger {
		return ledger.New(pricing, budget.CeilingUSD)
	}); err != nil {
		log.Fatalf("Failed to provide budget ledger: %v", err)
	}

	// Response Cache (optional, disabled without a Redis address)
	if err := container.Provide(func(cfg *config.RedisConfig) domain.ResponseCache {
		if cfg.Addr == "" {
			return nil
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return rediscache.NewResponseCache(client)
	}); err != nil {
		log.Fatalf("Failed to provide response cache: %v", err)
	}

	// Dispatch
	if err := container.Provide(func(
		adm *admission.Controller,
		led *ledger.Ledger,
		cache domain.ResponseCache,
		events domain.EventPublisher,
		pipeCfg *config.PipelineConfig,
		redisCfg *config.RedisConfig,
	) *dispatch.Dispatcher {
		d := dispatch.NewDispatcher(adm, led, cache, events)
		d.SetAcquireTimeout(time.Duration(pipeCfg.AcquireTimeoutSeconds) * time.Second)
		d.SetCacheTTL(time.Duration(redisCfg.TTLSeconds) * time.Second)
		return d
	}); err != nil {
		log.Fatalf("Failed to provide dispatcher: %v", err)
	}

	// Pipeline
	if err := container.Provide(newPipeline); err != nil {
		log.Fatalf("Failed to provide pipeline: %v", err)
	}

	// Coordinator
	if err := container.Provide(routing.NewResolver); err != nil {
		log.Fatalf("Failed to provide resolver: %v", err)
	}
	if err := container.Provide(coordinator.New); err != nil {
		log.Fatalf("Failed to provide coordinator: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(func(corsCfg *config.CORSConfig) middleware.Middleware {
		return middleware.BuildMiddlewareChain(corsCfg)
	}); err != nil {
		log.Fatalf("Failed to provide middleware: %v", err)
	}
	if err := container.Provide(httpserver.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(httpserver.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

func registerBackends(
	reg domain.BackendRegistry,
	pricing domain.PricingRegistry,
	openaiBackend *openai.Backend,
	ollamaBackend *ollama.Backend,
	echoBackend *echo.Backend,
) error {
	ctx := context.Background()

	if openaiBackend != nil {
		if err := reg.Register(ctx, openaiBackend); err != nil {
			return fmt.Errorf("failed to register OpenAI backend: %w", err)
		}
		if err := openai.RegisterPricing(ctx, pricing); err != nil {
			return fmt.Errorf("failed to register OpenAI pricing: %w", err)
		}
	} else {
		observability.FromContext(ctx).Info("OpenAI backend not configured, skipping")
	}

	if err := reg.Register(ctx, ollamaBackend); err != nil {
		return fmt.Errorf("failed to register Ollama backend: %w", err)
	}
	if err := ollamaBackend.RegisterPricing(ctx, pricing); err != nil {
		return fmt.Errorf("failed to register Ollama pricing: %w", err)
	}

	if err := reg.Register(ctx, echoBackend); err != nil {
		return fmt.Errorf("failed to register echo backend: %w", err)
	}
	if err := echo.RegisterPricing(ctx, pricing); err != nil {
		return fmt.Errorf("failed to register echo pricing: %w", err)
	}

	return nil
}

// newPipeline resolves the configured local and frontier backends from the
// registry. The frontier backend is optional; without it rejected drafts
// are kept as-is.
func newPipeline(
	dispatcher *dispatch.Dispatcher,
	reg domain.BackendRegistry,
	cfg *config.PipelineConfig,
) (*pipeline.Orchestrator, error) {
	ctx := context.Background()

	local, err := reg.Get(ctx, cfg.LocalProvider)
	if err != nil {
		return nil, fmt.Errorf("local backend %q unavailable: %w", cfg.LocalProvider, err)
	}
	localSpec := domain.BackendSpec{Provider: cfg.LocalProvider, Model: cfg.LocalModel}

	var frontier domain.Backend
	frontierSpec := domain.BackendSpec{Provider: cfg.FrontierProvider, Model: cfg.FrontierModel}
	if b, err := reg.Get(ctx, cfg.FrontierProvider); err == nil && b.IsConfigured() {
		frontier = b
	} else {
		observability.FromContext(ctx).Warn("frontier backend unavailable, refine stage disabled",
			observability.String("provider", cfg.FrontierProvider))
	}

	return pipeline.NewOrchestrator(
		dispatcher,
		local,
		localSpec,
		frontier,
		frontierSpec,
		completenessPredicate,
		pipeline.Config{
			BatchSize:   cfg.BatchSize,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
	), nil
}

// completenessPredicate scores a draft on how many of its descriptive
// fields are populated. Placeholders always fail.
func completenessPredicate(p *domain.Persona) domain.QualityVerdict {
	if p.Placeholder {
		return domain.QualityVerdict{Passed: false, Score: 0, Feedback: "unparsed draft"}
	}

	total := 5.0
	filled := 0.0
	missing := ""
	if p.Description != "" {
		filled++
	} else {
		missing += " description"
	}
	if len(p.Goals) > 0 {
		filled++
	} else {
		missing += " goals"
	}
	if len(p.PainPoints) > 0 {
		filled++
	} else {
		missing += " pain_points"
	}
	if len(p.Behaviors) > 0 {
		filled++
	} else {
		missing += " behaviors"
	}
	if p.Role != "" {
		filled++
	} else {
		missing += " role"
	}

	score := filled / total
	if score < 0.8 {
		return domain.QualityVerdict{Passed: false, Score: score, Feedback: "missing fields:" + missing}
	}
	return domain.QualityVerdict{Passed: true, Score: score}
}
