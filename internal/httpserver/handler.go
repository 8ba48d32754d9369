package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/REPPL/Persona-sub005/internal/admission"
	"github.com/REPPL/Persona-sub005/internal/coordinator"
	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/ledger"
	"github.com/REPPL/Persona-sub005/internal/observability"
	"github.com/REPPL/Persona-sub005/internal/pipeline"
)

// Handler handles HTTP requests.
type Handler struct {
	pipeline    *pipeline.Orchestrator
	coordinator *coordinator.Coordinator
	ledger      *ledger.Ledger
	admission   *admission.Controller
	registry    domain.BackendRegistry
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(
	pipe *pipeline.Orchestrator,
	coord *coordinator.Coordinator,
	led *ledger.Ledger,
	adm *admission.Controller,
	reg domain.BackendRegistry,
) *Handler {
	return &Handler{
		pipeline:    pipe,
		coordinator: coord,
		ledger:      led,
		admission:   adm,
		registry:    reg,
	}
}

type personasRequest struct {
	Input string `json:"input"`
	Count int    `json:"count"`
}

type personasResponse struct {
	*pipeline.Result
	TotalCost float64 `json:"total_cost"`
}

// HandlePersonas runs the Draft -> Filter -> Refine pipeline.
func (h *Handler) HandlePersonas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req personasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		http.Error(w, "count must be positive", http.StatusBadRequest)
		return
	}

	logger := observability.FromContext(ctx)
	logger.Info("persona pipeline request received",
		observability.Int("count", req.Count),
	)

	result, err := h.pipeline.Run(ctx, req.Input, req.Count)
	if err != nil {
		logger.Error("pipeline run failed", observability.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(ctx, w, personasResponse{
		Result:    result,
		TotalCost: h.ledger.TotalCost(ctx),
	})
}

type ensembleRequest struct {
	Input              string               `json:"input"`
	Backends           []domain.BackendSpec `json:"backends"`
	Mode               string               `json:"mode,omitempty"`
	Count              int                  `json:"count,omitempty"`
	Temperature        float64              `json:"temperature,omitempty"`
	MaxTokens          int                  `json:"max_tokens,omitempty"`
	PassContext        bool                 `json:"pass_context,omitempty"`
	AgreementThreshold float64              `json:"agreement_threshold,omitempty"`
}

type ensembleRun struct {
	coordinator.BackendRun
	Error string `json:"error,omitempty"`
}

type ensembleResponse struct {
	Runs             []ensembleRun     `json:"runs"`
	Merged           []*domain.Persona `json:"merged,omitempty"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	TotalCost        float64           `json:"total_cost"`
}

// HandleEnsemble runs generation across multiple backends.
func (h *Handler) HandleEnsemble(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ensembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if len(req.Backends) == 0 {
		http.Error(w, "at least one backend is required", http.StatusBadRequest)
		return
	}

	logger := observability.FromContext(ctx)
	logger.Info("ensemble request received",
		observability.String("mode", req.Mode),
		observability.Int("backends", len(req.Backends)),
	)

	result, err := h.coordinator.Execute(ctx, req.Input, req.Backends, coordinator.Options{
		Mode:               coordinator.Mode(req.Mode),
		Count:              req.Count,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
		PassContext:        req.PassContext,
		AgreementThreshold: req.AgreementThreshold,
	})
	if err != nil {
		logger.Error("ensemble run failed", observability.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrNoBackends) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	resp := ensembleResponse{
		Runs:             make([]ensembleRun, len(result.Runs)),
		Merged:           result.Merged,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalCost:        h.ledger.TotalCost(ctx),
	}
	for i, run := range result.Runs {
		resp.Runs[i].BackendRun = run
		if run.Err != nil {
			resp.Runs[i].Error = run.Err.Error()
		}
	}

	writeJSON(ctx, w, resp)
}

type statusResponse struct {
	TotalCost       float64                     `json:"total_cost"`
	TotalTokens     int                         `json:"total_tokens"`
	RemainingBudget *float64                    `json:"remaining_budget,omitempty"`
	CostByStage     map[string]float64          `json:"cost_by_stage"`
	Backends        map[string]admission.Status `json:"backends"`
	Providers       []string                    `json:"providers"`
}

// HandleStatus exposes the read-only progress/cost snapshot.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		TotalCost:   h.ledger.TotalCost(ctx),
		TotalTokens: h.ledger.TotalTokens(),
		CostByStage: map[string]float64{
			domain.StageLocal:    h.ledger.CostByStage(ctx, domain.StageLocal),
			domain.StageFrontier: h.ledger.CostByStage(ctx, domain.StageFrontier),
			domain.StageJudge:    h.ledger.CostByStage(ctx, domain.StageJudge),
		},
		Backends: make(map[string]admission.Status),
	}

	if remaining, ok := h.ledger.RemainingBudget(ctx); ok {
		resp.RemainingBudget = &remaining
	}

	for _, id := range h.admission.Backends() {
		resp.Backends[id] = h.admission.Status(id)
	}

	if providers, err := h.registry.List(ctx); err == nil {
		resp.Providers = providers
	}

	writeJSON(ctx, w, resp)
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.FromContext(ctx).Error("failed to encode response",
			observability.Error(err))
	}
}
