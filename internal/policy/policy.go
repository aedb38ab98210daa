// Package policy loads per-origin tool policies and applies their token
// ceilings.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"go.uber.org/zap"
)

// Ceilings applied to an origin with no stored policy.
var (
	DefaultMaxInputTokens  = models.TokenCeilings{Free: 2000, Pro: 8000}
	DefaultMaxOutputTokens = models.TokenCeilings{Free: 512, Pro: 2048}
)

// Store reads tool policies.
type Store interface {
	GetToolPolicy(ctx context.Context, origin string) (*models.ToolPolicy, error)
}

// Lookup is the result of a policy lookup. Found is false when the defaults
// were applied.
type Lookup struct {
	Policy models.ToolPolicy
	Found  bool
}

// Service looks up tool policies.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// DefaultPolicy is the policy of an unconfigured origin. It is never free.
func DefaultPolicy(origin string) models.ToolPolicy {
	return models.ToolPolicy{
		Origin:          origin,
		FreeAllowed:     false,
		MaxInputTokens:  DefaultMaxInputTokens,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

// Lookup returns the policy of origin, or the defaults when none is stored.
func (s *Service) Lookup(ctx context.Context, origin string) (Lookup, error) {
	if origin == "" {
		return Lookup{}, apperr.BadRequest("", "origin is required")
	}

	p, err := s.store.GetToolPolicy(ctx, origin)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.logger.Warn("no tool policy for origin, applying defaults",
				zap.String("origin", origin),
			)
			metrics.ToolPolicyMissing.Inc()
			return Lookup{Policy: DefaultPolicy(origin), Found: false}, nil
		}
		return Lookup{}, apperr.Internal("failed to load tool policy", err)
	}

	return Lookup{Policy: *p, Found: true}, nil
}

// OutputCap bounds the requested output tokens by the plan's ceiling. A
// request without a positive maxTokens gets the ceiling.
func OutputCap(p models.ToolPolicy, plan models.PlanTier, requested int) int {
	ceiling := p.MaxOutputTokens.For(plan)
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// EstimateTokens approximates the prompt size: four characters per token,
// rounded up, plus four tokens of framing per message.
func EstimateTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}

// CheckInput rejects prompts larger than the plan's input ceiling and
// returns the estimate otherwise.
func CheckInput(p models.ToolPolicy, plan models.PlanTier, messages []models.Message) (int, error) {
	estimate := EstimateTokens(messages)
	ceiling := p.MaxInputTokens.For(plan)
	if ceiling > 0 && estimate > ceiling {
		return estimate, apperr.BadRequest(apperr.ReasonInputTooLarge,
			fmt.Sprintf("input of about %d tokens exceeds the %d token limit", estimate, ceiling))
	}
	return estimate, nil
}
