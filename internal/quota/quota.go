// Package quota enforces the monthly token budget. Admission and the
// provisional charge for a request happen in one step (Reserve) so that
// concurrent requests from one user cannot all pass a stale check.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
)

// Admission is a read-only budget check.
type Admission struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// Reservation is a provisional charge taken at admission. Exactly one of
// Commit or Release takes effect; repeated calls are no-ops.
type Reservation interface {
	ID() string
	Estimate() int64
	Commit(ctx context.Context, actual int64) error
	Release(ctx context.Context) error
}

// Ledger is the per-user synchronisation point for token spend.
type Ledger interface {
	// CheckAdmission reports the user's spend for the current month.
	CheckAdmission(ctx context.Context, userID string, plan models.PlanTier) (Admission, error)
	// Reserve admits a request and charges estimate tokens provisionally. A
	// user at or over the limit gets apperr.QuotaExceeded.
	Reserve(ctx context.Context, userID string, plan models.PlanTier, estimate int64) (Reservation, error)
}

// UsageStore sums recorded usage.
type UsageStore interface {
	SumUsageSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// LimitsStore reads plan budgets.
type LimitsStore interface {
	GetPlanLimits(ctx context.Context, tier models.PlanTier) (*models.PlanLimits, error)
}

// MonthStart is the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStart is the first instant of the month after t's, in UTC.
func NextMonthStart(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// Limits resolves monthly budgets, falling back to configured defaults when
// a tier has no stored row.
type Limits struct {
	store    LimitsStore
	defaults map[models.PlanTier]int64
}

func NewLimits(store LimitsStore, freeDefault, proDefault int64) *Limits {
	return &Limits{
		store: store,
		defaults: map[models.PlanTier]int64{
			models.PlanFree: freeDefault,
			models.PlanPro:  proDefault,
		},
	}
}

// LimitFor returns the monthly token budget of plan.
func (l *Limits) LimitFor(ctx context.Context, plan models.PlanTier) (int64, error) {
	limits, err := l.store.GetPlanLimits(ctx, plan)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return l.defaults[plan], nil
		}
		return 0, apperr.Internal("failed to load plan limits", err)
	}
	return limits.MonthlyTokenBudget, nil
}
