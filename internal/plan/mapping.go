package plan

import "github.com/dca57/MesSnippets-sub002/pkg/models"

// PlanTierMapping maps billing plan identifiers to tiers. The subscription
// writer must use it instead of guessing a tier from the identifier text.
var PlanTierMapping = map[string]models.PlanTier{
	"pro_monthly": models.PlanPro,
	"pro_yearly":  models.PlanPro,
	"free":        models.PlanFree,
}

// TierForPlanID looks up a billing plan id. Unknown ids are free.
func TierForPlanID(planID string) models.PlanTier {
	if tier, ok := PlanTierMapping[planID]; ok {
		return tier
	}
	return models.PlanFree
}
