package domain

import "time"

// Stage tags used on ledger entries.
const (
	StageLocal    = "local"
	StageFrontier = "frontier"
	StageJudge    = "judge"
)

// BackendSpec identifies one callable generation backend.
type BackendSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Key returns the canonical "provider/model" identifier used by the
// admission controller and the ledger.
func (s BackendSpec) Key() string {
	return s.Provider + "/" + s.Model
}

// GenerationRequest represents a unified generation request.
// It is constructed per call and never mutated afterwards.
type GenerationRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	System      string  `json:"system,omitempty"`
}

// GenerationResponse represents a unified generation response.
type GenerationResponse struct {
	Content          string    `json:"content"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	FinishTime       time.Time `json:"finish_time"`
}

// TotalTokens returns the combined prompt and completion token count.
func (r *GenerationResponse) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}
