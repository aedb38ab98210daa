// Package provider resolves provider ids to a vendor-neutral completion
// capability. Each vendor kind is one Adapter; the orchestrator never
// branches on vendor.
package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/internal/config"
	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

// DefaultTemperature is sent with every completion.
const DefaultTemperature = 0.7

// CompletionRequest is a vendor-neutral chat completion.
type CompletionRequest struct {
	Messages        []models.Message
	Model           string
	MaxOutputTokens int
	Temperature     float64
}

// Completion is the text and token counts of a successful call.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Completer performs a completion against one configured provider.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// Adapter builds a Completer for a provider of one vendor kind.
type Adapter func(cfg models.ProviderConfig, client *BaseClient) Completer

// ConfigStore reads provider configurations.
type ConfigStore interface {
	GetProvider(ctx context.Context, providerID string) (*models.ProviderConfig, error)
}

// Registry maps vendor kinds to adapters and provider ids to configs.
type Registry struct {
	store  ConfigStore
	client *BaseClient

	mu       sync.RWMutex
	adapters map[models.VendorKind]Adapter
}

func NewRegistry(store ConfigStore, client *BaseClient) *Registry {
	return &Registry{
		store:    store,
		client:   client,
		adapters: make(map[models.VendorKind]Adapter),
	}
}

// Register installs the adapter for a vendor kind, replacing any previous one.
func (r *Registry) Register(kind models.VendorKind, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = adapter
}

// RegisterDefaults installs the built-in vendor adapters.
func (r *Registry) RegisterDefaults(cfg config.UpstreamConfig) {
	r.Register(models.VendorOpenAI, NewOpenAIAdapter())
	r.Register(models.VendorOpenRouter, NewOpenRouterAdapter(cfg.OpenRouterReferer, cfg.OpenRouterTitle))
	r.Register(models.VendorAnthropic, NewAnthropicAdapter(cfg.AnthropicVersion))
}

// Resolve loads the provider config and builds its Completer. Unknown and
// inactive providers fail with NotFound before any network I/O.
func (r *Registry) Resolve(ctx context.Context, providerID string) (Completer, models.ProviderConfig, error) {
	if providerID == "" {
		return nil, models.ProviderConfig{}, apperr.ProviderNotFound(providerID)
	}

	cfg, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, models.ProviderConfig{}, apperr.ProviderNotFound(providerID)
		}
		return nil, models.ProviderConfig{}, apperr.Internal("failed to load provider", err)
	}
	if !cfg.IsActive {
		return nil, models.ProviderConfig{}, apperr.ProviderNotFound(providerID)
	}

	r.mu.RLock()
	adapter, ok := r.adapters[cfg.VendorKind]
	r.mu.RUnlock()
	if !ok {
		return nil, models.ProviderConfig{}, apperr.ProviderNotFound(providerID)
	}

	return adapter(*cfg, r.client), *cfg, nil
}
