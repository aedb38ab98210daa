package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMessages = []models.Message{
	{Role: "system", Content: "You explain code."},
	{Role: "user", Content: "What does this regex do?"},
}

func TestOpenAIAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("HTTP-Referer"))

		var body chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		assert.Equal(t, 256, body.MaxTokens)
		assert.Equal(t, 0.7, body.Temperature)
		assert.Len(t, body.Messages, 2)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"It matches digits."}}],"usage":{"prompt_tokens":21,"completion_tokens":5}}`))
	}))
	defer server.Close()

	cfg := models.ProviderConfig{ID: "oa", VendorKind: models.VendorOpenAI, Credential: "sk-test", BaseURL: server.URL + "/v1/"}
	completer := NewOpenAIAdapter()(cfg, newTestClient(time.Second))

	got, err := completer.Complete(context.Background(), CompletionRequest{
		Messages:        testMessages,
		Model:           "gpt-4o-mini",
		MaxOutputTokens: 256,
		Temperature:     DefaultTemperature,
	})
	require.NoError(t, err)
	assert.Equal(t, Completion{Text: "It matches digits.", TokensIn: 21, TokensOut: 5}, got)
}

func TestOpenRouterAdapterHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://messnippets.app", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "MesSnippets", r.Header.Get("X-Title"))
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer server.Close()

	cfg := models.ProviderConfig{ID: "or", VendorKind: models.VendorOpenRouter, Credential: "or-key", BaseURL: server.URL}
	completer := NewOpenRouterAdapter("https://messnippets.app", "MesSnippets")(cfg, newTestClient(time.Second))

	got, err := completer.Complete(context.Background(), CompletionRequest{Messages: testMessages, Model: "meta/llama", MaxOutputTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
}

func TestOpenAIAdapterMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer server.Close()

	cfg := models.ProviderConfig{ID: "oa", VendorKind: models.VendorOpenAI, BaseURL: server.URL}
	_, err := NewOpenAIAdapter()(cfg, newTestClient(time.Second)).Complete(context.Background(), CompletionRequest{Messages: testMessages})
	assert.Equal(t, apperr.ReasonUpstreamBadResponse, apperr.From(err).Reason)
}

func TestAnthropicAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "You explain code.", body.System)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "user", body.Messages[0].Role)
		assert.Equal(t, 300, body.MaxTokens)

		w.Write([]byte(`{"content":[{"type":"text","text":"Digits, "},{"type":"text","text":"one or more."}],"usage":{"input_tokens":30,"output_tokens":8}}`))
	}))
	defer server.Close()

	cfg := models.ProviderConfig{ID: "an", VendorKind: models.VendorAnthropic, Credential: "ak-test", BaseURL: server.URL}
	completer := NewAnthropicAdapter("2023-06-01")(cfg, newTestClient(time.Second))

	got, err := completer.Complete(context.Background(), CompletionRequest{
		Messages:        testMessages,
		Model:           "claude-haiku",
		MaxOutputTokens: 300,
		Temperature:     DefaultTemperature,
	})
	require.NoError(t, err)
	assert.Equal(t, Completion{Text: "Digits, one or more.", TokensIn: 30, TokensOut: 8}, got)
}
