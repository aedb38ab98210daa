package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dca57/MesSnippets-sub002/internal/apperr"
	"github.com/dca57/MesSnippets-sub002/internal/store/memory"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLookup(t *testing.T) {
	store := memory.New()
	store.PutToolPolicy(models.ToolPolicy{
		Origin:          "snippet-explain",
		FreeAllowed:     true,
		MaxInputTokens:  models.TokenCeilings{Free: 1000, Pro: 4000},
		MaxOutputTokens: models.TokenCeilings{Free: 256, Pro: 1024},
	})
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		got, err := svc.Lookup(ctx, "snippet-explain")
		require.NoError(t, err)
		assert.True(t, got.Found)
		assert.True(t, got.Policy.FreeAllowed)
		assert.Equal(t, 1024, got.Policy.MaxOutputTokens.Pro)
	})

	t.Run("missing origin gets restrictive defaults", func(t *testing.T) {
		got, err := svc.Lookup(ctx, "unconfigured-tool")
		require.NoError(t, err)
		assert.False(t, got.Found)
		assert.False(t, got.Policy.FreeAllowed)
		assert.Equal(t, "unconfigured-tool", got.Policy.Origin)
		assert.Equal(t, DefaultMaxOutputTokens, got.Policy.MaxOutputTokens)
	})

	t.Run("empty origin", func(t *testing.T) {
		_, err := svc.Lookup(ctx, "")
		assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
	})

	t.Run("store failure is internal", func(t *testing.T) {
		failing := memory.New()
		failing.FailPolicies = errors.New("timeout")
		_, err := NewService(failing, zap.NewNop()).Lookup(ctx, "snippet-explain")
		assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	})
}

func TestMissingPolicyMetricHasOneSeries(t *testing.T) {
	svc := NewService(memory.New(), zap.NewNop())
	before := testutil.ToFloat64(metrics.ToolPolicyMissing)

	for _, origin := range []string{"tool-a", "tool-b", "tool-c"} {
		_, err := svc.Lookup(context.Background(), origin)
		require.NoError(t, err)
	}

	assert.Equal(t, before+3, testutil.ToFloat64(metrics.ToolPolicyMissing))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.ToolPolicyMissing))
}

func TestOutputCap(t *testing.T) {
	p := models.ToolPolicy{MaxOutputTokens: models.TokenCeilings{Free: 512, Pro: 2048}}

	assert.Equal(t, 512, OutputCap(p, models.PlanFree, 0))
	assert.Equal(t, 512, OutputCap(p, models.PlanFree, 4096))
	assert.Equal(t, 100, OutputCap(p, models.PlanFree, 100))
	assert.Equal(t, 2048, OutputCap(p, models.PlanPro, -1))
	assert.Equal(t, 1500, OutputCap(p, models.PlanPro, 1500))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 4, EstimateTokens([]models.Message{{Role: "user", Content: ""}}))
	assert.Equal(t, 5, EstimateTokens([]models.Message{{Role: "user", Content: "abc"}}))
	assert.Equal(t, 6+5, EstimateTokens([]models.Message{
		{Role: "system", Content: "12345678"},
		{Role: "user", Content: "1234"},
	}))
}

func TestCheckInput(t *testing.T) {
	p := models.ToolPolicy{MaxInputTokens: models.TokenCeilings{Free: 10, Pro: 1000}}
	long := []models.Message{{Role: "user", Content: strings.Repeat("a", 100)}}

	_, err := CheckInput(p, models.PlanFree, long)
	require.Error(t, err)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindBadRequest, appErr.Kind)
	assert.Equal(t, apperr.ReasonInputTooLarge, appErr.Reason)

	estimate, err := CheckInput(p, models.PlanPro, long)
	require.NoError(t, err)
	assert.Equal(t, 29, estimate)
}
