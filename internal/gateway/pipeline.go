package gateway

import (
	"context"
	"fmt"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/internal/plan"
	"github.com/dca57/MesSnippets-sub002/internal/policy"
	"github.com/dca57/MesSnippets-sub002/internal/provider"
	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const actionChat = "chat"

// Process runs an authenticated chat request through plan resolution,
// policy, the feature gate, quota admission, dispatch and recording. It
// stops at the first failure and returns it as an *apperr.Error.
func (g *Gateway) Process(ctx context.Context, caller models.Caller, req ChatRequest) (*ChatResult, error) {
	if err := g.validateRequest(req); err != nil {
		return nil, err
	}

	// Plan and policy are independent reads.
	var (
		resolution plan.Resolution
		lookup     policy.Lookup
	)
	// A failing policy lookup must not cancel the plan read.
	var eg errgroup.Group
	eg.Go(func() error {
		resolution = g.plans.Resolve(ctx, caller)
		return nil
	})
	eg.Go(func() error {
		var err error
		lookup, err = g.policies.Lookup(ctx, req.Origin)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	effective := resolution.Plan
	log := g.logger.With(
		zap.String("user_id", caller.UserID),
		zap.String("origin", req.Origin),
		zap.String("plan", string(effective)),
	)

	if effective == models.PlanFree && !lookup.Policy.FreeAllowed {
		g.publish(ctx, events.EventFeatureRestricted, caller.UserID, map[string]interface{}{
			"origin": req.Origin,
		})
		return nil, apperr.FeatureRestricted(req.Origin)
	}

	inputEstimate, err := policy.CheckInput(lookup.Policy, effective, req.Messages)
	if err != nil {
		return nil, err
	}
	outputCap := policy.OutputCap(lookup.Policy, effective, req.MaxTokens)

	reservation, err := g.ledger.Reserve(ctx, caller.UserID, effective, int64(inputEstimate+outputCap))
	if err != nil {
		if e := apperr.From(err); e.Reason == apperr.ReasonQuotaExceeded {
			g.publish(ctx, events.EventQuotaExceeded, caller.UserID, map[string]interface{}{
				"used":  e.Used,
				"limit": e.Limit,
			})
		}
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			if err := reservation.Release(ctx); err != nil {
				log.Error("failed to release quota reservation", zap.Error(err))
			}
		}
	}()

	completer, cfg, err := g.providers.Resolve(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = cfg.ModelID
	}

	completion, err := completer.Complete(ctx, provider.CompletionRequest{
		Messages:        req.Messages,
		Model:           model,
		MaxOutputTokens: outputCap,
		Temperature:     provider.DefaultTemperature,
	})
	if err != nil {
		log.Warn("upstream call failed",
			zap.String("provider_id", cfg.ID),
			zap.String("model", model),
			zap.Error(err),
		)
		return nil, err
	}

	_, recorded := g.recorder.Record(ctx, models.UsageEvent{
		UserID:     caller.UserID,
		ProviderID: cfg.ID,
		Model:      model,
		TokensIn:   completion.TokensIn,
		TokensOut:  completion.TokensOut,
		Origin:     req.Origin,
	})

	committed = true
	actual := int64(completion.TokensIn) + int64(completion.TokensOut)
	if !recorded {
		// The vendor still billed the call, so the counter keeps it.
		log.Warn("usage event not persisted, quota counter now exceeds recorded usage",
			zap.String("provider_id", cfg.ID),
			zap.Int64("actual", actual),
		)
	}
	if err := reservation.Commit(ctx, actual); err != nil {
		log.Error("failed to commit quota reservation", zap.Int64("actual", actual), zap.Error(err))
	}
	metrics.RecordTokens(string(effective), completion.TokensIn, completion.TokensOut)

	return &ChatResult{
		Response: completion.Text,
		Usage: UsageSummary{
			PromptTokens:     completion.TokensIn,
			CompletionTokens: completion.TokensOut,
		},
	}, nil
}

func (g *Gateway) validateRequest(req ChatRequest) error {
	if req.Action != "" && req.Action != actionChat {
		return apperr.BadRequest("", fmt.Sprintf("unsupported action %q", req.Action))
	}
	if req.Origin == "" {
		return apperr.BadRequest("", "origin is required")
	}
	if len(req.Messages) == 0 {
		return apperr.BadRequest("", "messages must not be empty")
	}
	if err := g.validate.Struct(req); err != nil {
		return apperr.BadRequest("", "each message needs a valid role")
	}
	return nil
}

func (g *Gateway) publish(ctx context.Context, eventType events.EventType, userID string, payload map[string]interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(ctx, events.NewEvent(eventType, userID, payload))
}
