package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// chatCompletions speaks the OpenAI chat completions wire format, which
// OpenRouter also serves.
type chatCompletions struct {
	cfg     models.ProviderConfig
	client  *BaseClient
	baseURL string
	header  http.Header
}

// NewOpenAIAdapter returns the adapter for the openai vendor kind.
func NewOpenAIAdapter() Adapter {
	return func(cfg models.ProviderConfig, client *BaseClient) Completer {
		return newChatCompletions(cfg, client, openAIBaseURL, nil)
	}
}

// NewOpenRouterAdapter returns the adapter for the openrouter vendor kind.
// referer and title identify the calling app to OpenRouter.
func NewOpenRouterAdapter(referer, title string) Adapter {
	return func(cfg models.ProviderConfig, client *BaseClient) Completer {
		h := http.Header{}
		if referer != "" {
			h.Set("HTTP-Referer", referer)
		}
		if title != "" {
			h.Set("X-Title", title)
		}
		return newChatCompletions(cfg, client, openRouterBaseURL, h)
	}
}

func newChatCompletions(cfg models.ProviderConfig, client *BaseClient, defaultBase string, extra http.Header) *chatCompletions {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	h := http.Header{}
	for k, v := range extra {
		h[k] = v
	}
	h.Set("Authorization", "Bearer "+cfg.Credential)

	return &chatCompletions{
		cfg:     cfg,
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
		header:  h,
	}
}

func (a *chatCompletions) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var resp chatCompletionResponse
	err := a.client.PostJSON(ctx, Call{
		ProviderID: a.cfg.ID,
		Vendor:     a.cfg.VendorKind,
		URL:        a.baseURL + "/chat/completions",
		Header:     a.header,
		Body:       body,
	}, &resp)
	if err != nil {
		return Completion{}, err
	}

	if len(resp.Choices) == 0 || resp.Usage == nil {
		return Completion{}, a.client.fail(Call{ProviderID: a.cfg.ID, Vendor: a.cfg.VendorKind},
			apperr.ReasonUpstreamBadResponse, errMissingFields)
	}

	return Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
