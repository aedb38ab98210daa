// Package plan resolves the effective subscription tier of a caller.
package plan

import (
	"context"
	"errors"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"go.uber.org/zap"
)

// SubscriptionStore reads stored subscriptions.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*models.SubscriptionState, error)
}

// EffectivePlan is pro only for a pro subscription that expires strictly
// after now. A pro row without an expiry is free.
func EffectivePlan(state *models.SubscriptionState, now time.Time) models.PlanTier {
	if state == nil || state.Tier != models.PlanPro || state.ExpiresAt == nil {
		return models.PlanFree
	}
	if state.ExpiresAt.After(now) {
		return models.PlanPro
	}
	return models.PlanFree
}

// Resolution is the outcome of a plan lookup.
type Resolution struct {
	Plan models.PlanTier
	// Degraded is set when the store failed and the plan fell back to free.
	Degraded bool
}

// Resolver loads a caller's subscription and computes the effective plan.
type Resolver struct {
	store  SubscriptionStore
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver creates a resolver. bus may be nil.
func NewResolver(store SubscriptionStore, bus *events.Bus, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve never fails. A store error resolves to free and is reported as
// degraded so it can be told apart from a genuine free user. Errors after the
// request context is done resolve to free without the degraded signal.
func (r *Resolver) Resolve(ctx context.Context, caller models.Caller) Resolution {
	state, err := r.store.GetSubscription(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Resolution{Plan: models.PlanFree}
		}
		// An abandoned request is not a store degradation.
		if ctx.Err() != nil {
			return Resolution{Plan: models.PlanFree}
		}

		r.logger.Warn("plan lookup failed, treating caller as free",
			zap.String("user_id", caller.UserID),
			zap.Error(err),
		)
		metrics.PlanResolutionDegraded.Inc()
		if r.bus != nil {
			r.bus.Publish(ctx, events.NewEvent(events.EventPlanDegraded, caller.UserID, map[string]interface{}{
				"error": err.Error(),
			}))
		}
		return Resolution{Plan: models.PlanFree, Degraded: true}
	}

	return Resolution{Plan: EffectivePlan(state, r.now())}
}
