package gate

import (
	"fmt"

	"apigate/internal/models"
)

// PolicyResolver maps (plan, scope) to the set of sliding-window policies
// that apply. The owner scope carries the plan's full window ladder; resource
// scopes carry at most one configured override. A scope with no policies is
// unlimited.
type PolicyResolver struct {
	plans     map[string]*models.Plan
	endpoints map[models.Scope]models.RateLimitPolicy
}

// NewPolicyResolver indexes plans by ID alongside per-endpoint overrides.
func NewPolicyResolver(plans []*models.Plan, endpoints map[models.Scope]models.RateLimitPolicy) *PolicyResolver {
	byID := make(map[string]*models.Plan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}
	return &PolicyResolver{plans: byID, endpoints: endpoints}
}

// PoliciesFor returns the policies applicable to one scope under a plan.
// An unknown plan is a configuration fault, not a caller error.
func (pr *PolicyResolver) PoliciesFor(planID string, scope models.Scope) ([]models.RateLimitPolicy, error) {
	if scope == models.ScopeOwner {
		plan, ok := pr.plans[planID]
		if !ok {
			return nil, fmt.Errorf("unknown plan %q", planID)
		}
		return plan.Policies, nil
	}
	if pol, ok := pr.endpoints[scope]; ok {
		return []models.RateLimitPolicy{pol}, nil
	}
	return nil, nil
}

// windowKey builds the limiter key for one (subject, scope, window) triple.
// Each window length gets independent state, so a plan's minute and hour
// tiers never interfere.
func windowKey(scope models.Scope, ownerID string, policy models.RateLimitPolicy) string {
	return fmt.Sprintf("%s:%s:%d", scope, ownerID, policy.WindowSeconds)
}
