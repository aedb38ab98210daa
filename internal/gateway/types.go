package gateway

import (
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

// ChatRequest is the body of POST /v1/llm-proxy.
type ChatRequest struct {
	Action     string           `json:"action"`
	ProviderID string           `json:"providerId"`
	Messages   []models.Message `json:"messages" validate:"dive"`
	Model      string           `json:"model,omitempty"`
	Origin     string           `json:"origin"`
	MaxTokens  int              `json:"maxTokens,omitempty" validate:"min=0"`
}

// ChatResult is the success body of POST /v1/llm-proxy.
type ChatResult struct {
	Response string       `json:"response"`
	Usage    UsageSummary `json:"usage"`
}

type UsageSummary struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// ErrorResponse is the body of every error response. Used and Limit are
// only present on quota denials.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Used    *int64 `json:"used,omitempty"`
	Limit   *int64 `json:"limit,omitempty"`
}

// QuotaStatus is the body of GET /v1/quota.
type QuotaStatus struct {
	Plan      models.PlanTier `json:"plan"`
	Used      int64           `json:"used"`
	Limit     int64           `json:"limit"`
	Remaining int64           `json:"remaining"`
	ResetsAt  time.Time       `json:"resetsAt"`
}
