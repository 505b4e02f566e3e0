package billing

import (
	"fmt"

	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
)

// TierID identifies a subscription tier
type TierID string

const (
	TierStarter      TierID = "STARTER"
	TierProfessional TierID = "PROFESSIONAL"
	TierPremium      TierID = "PREMIUM"
	TierEnterprise   TierID = "ENTERPRISE"
)

// String returns the string representation of TierID
func (t TierID) String() string {
	return string(t)
}

// CapPolicy decides what happens once a quota is exhausted
type CapPolicy string

const (
	// CapPolicyHard rejects any consumption beyond the limit
	CapPolicyHard CapPolicy = "HARD"

	// CapPolicySoft allows consumption beyond the limit and bills the overage
	CapPolicySoft CapPolicy = "SOFT"
)

// String returns the string representation of CapPolicy
func (p CapPolicy) String() string {
	return string(p)
}

// IsValid returns true if the policy is valid
func (p CapPolicy) IsValid() bool {
	return p == CapPolicyHard || p == CapPolicySoft
}

// ResourceQuota is the per-period allowance of one resource within a tier
type ResourceQuota struct {
	Limit Limit
	// OveragePrice is the price per unit beyond Limit. Nil for hard caps
	// and unlimited quotas.
	OveragePrice *valueobject.Money
}

// TierDefinition is an immutable description of one subscription tier
type TierDefinition struct {
	ID           TierID
	Name         string
	MonthlyPrice valueobject.Money
	CapPolicy    CapPolicy
	Quotas       map[ResourceType]ResourceQuota
	TrialDays    int
}

// QuotaFor returns the quota of a resource. Resources the tier does not
// list are unlimited.
func (t TierDefinition) QuotaFor(rt ResourceType) ResourceQuota {
	q, ok := t.Quotas[rt]
	if !ok {
		return ResourceQuota{Limit: Unlimited()}
	}
	return q
}

// LimitFor returns the per-period limit of a resource
func (t TierDefinition) LimitFor(rt ResourceType) Limit {
	return t.QuotaFor(rt).Limit
}

// CapPolicyFor returns the cap policy applied to a resource.
// Policy is currently tier-wide; this is the single lookup point.
func (t TierDefinition) CapPolicyFor(_ ResourceType) CapPolicy {
	return t.CapPolicy
}

// OveragePrice returns the per-unit overage price of a resource, or false
// when the resource cannot incur overage.
func (t TierDefinition) OveragePrice(rt ResourceType) (valueobject.Money, bool) {
	q := t.QuotaFor(rt)
	if q.OveragePrice == nil || t.CapPolicyFor(rt) != CapPolicySoft {
		return valueobject.Money{}, false
	}
	return *q.OveragePrice, true
}

// Validate checks the internal consistency of a tier
func (t TierDefinition) Validate() error {
	if t.ID == "" {
		return shared.NewDomainError("INVALID_TIER", "Tier ID cannot be empty")
	}
	if !t.CapPolicy.IsValid() {
		return shared.NewDomainError("INVALID_TIER", fmt.Sprintf("Tier %s has invalid cap policy %q", t.ID, t.CapPolicy))
	}
	if t.MonthlyPrice.IsNegative() {
		return shared.NewDomainError("INVALID_TIER", fmt.Sprintf("Tier %s has negative monthly price", t.ID))
	}
	if t.TrialDays < 0 {
		return shared.NewDomainError("INVALID_TIER", fmt.Sprintf("Tier %s has negative trial days", t.ID))
	}
	for rt, q := range t.Quotas {
		if !rt.IsValid() {
			return shared.NewDomainError("INVALID_TIER", fmt.Sprintf("Tier %s has unknown resource %q", t.ID, rt))
		}
		switch {
		case t.CapPolicy == CapPolicyHard && q.OveragePrice != nil:
			return shared.NewDomainError("INVALID_TIER",
				fmt.Sprintf("Tier %s is hard-capped but prices overage for %s", t.ID, rt))
		case t.CapPolicy == CapPolicySoft && !q.Limit.IsUnlimited() && q.OveragePrice == nil:
			return shared.NewDomainError("INVALID_TIER",
				fmt.Sprintf("Tier %s is soft-capped but has no overage price for %s", t.ID, rt))
		case q.OveragePrice != nil && q.OveragePrice.IsNegative():
			return shared.NewDomainError("INVALID_TIER",
				fmt.Sprintf("Tier %s has a negative overage price for %s", t.ID, rt))
		case q.OveragePrice != nil && q.OveragePrice.Currency() != t.MonthlyPrice.Currency():
			return shared.NewDomainError("INVALID_TIER",
				fmt.Sprintf("Tier %s prices %s overage in %s", t.ID, rt, q.OveragePrice.Currency()))
		}
	}
	return nil
}
