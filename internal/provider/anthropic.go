package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

const anthropicBaseURL = "https://api.anthropic.com/v1"

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type messagesAPI struct {
	cfg     models.ProviderConfig
	client  *BaseClient
	baseURL string
	header  http.Header
}

// NewAnthropicAdapter returns the adapter for the anthropic vendor kind.
func NewAnthropicAdapter(version string) Adapter {
	return func(cfg models.ProviderConfig, client *BaseClient) Completer {
		base := cfg.BaseURL
		if base == "" {
			base = anthropicBaseURL
		}
		h := http.Header{}
		h.Set("x-api-key", cfg.Credential)
		h.Set("anthropic-version", version)

		return &messagesAPI{
			cfg:     cfg,
			client:  client,
			baseURL: strings.TrimRight(base, "/"),
			header:  h,
		}
	}
}

// Complete moves system messages into the top-level system field, which is
// where the messages API expects them.
func (a *messagesAPI) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")

	var resp anthropicResponse
	err := a.client.PostJSON(ctx, Call{
		ProviderID: a.cfg.ID,
		Vendor:     a.cfg.VendorKind,
		URL:        a.baseURL + "/messages",
		Header:     a.header,
		Body:       body,
	}, &resp)
	if err != nil {
		return Completion{}, err
	}

	if resp.Usage == nil || len(resp.Content) == 0 {
		return Completion{}, a.client.fail(Call{ProviderID: a.cfg.ID, Vendor: a.cfg.VendorKind},
			apperr.ReasonUpstreamBadResponse, errMissingFields)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Completion{
		Text:      text.String(),
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}, nil
}
