package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/database"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumUsageSince(t *testing.T) {
	s := New()
	ctx := context.Background()
	monthStart := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertUsageEvent(ctx, models.UsageEvent{UserID: "u1", TokensIn: 10, TokensOut: 5, CreatedAt: monthStart}))
	require.NoError(t, s.InsertUsageEvent(ctx, models.UsageEvent{UserID: "u1", TokensIn: 100, TokensOut: 0, CreatedAt: monthStart.Add(-time.Nanosecond)}))
	require.NoError(t, s.InsertUsageEvent(ctx, models.UsageEvent{UserID: "u2", TokensIn: 7, TokensOut: 7, CreatedAt: monthStart.Add(time.Hour)}))

	total, err := s.SumUsageSince(ctx, "u1", monthStart)
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)
}

func TestLookupsReturnNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, "nobody")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = s.GetToolPolicy(ctx, "nowhere")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = s.GetPlanLimits(ctx, models.PlanPro)
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = s.GetProvider(ctx, "none")
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Equal(t, int64(4), s.Reads())
}

func TestInjectedFailures(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.FailSubscriptions = boom
	s.FailInserts = boom

	_, err := s.GetSubscription(context.Background(), "u1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.InsertUsageEvent(context.Background(), models.UsageEvent{}), boom)
	assert.Empty(t, s.Events())
}
