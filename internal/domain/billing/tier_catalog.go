package billing

import (
	"fmt"
	"sort"

	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
)

// TierCatalog is the immutable, price-ordered set of subscription tiers
type TierCatalog struct {
	tiers []TierDefinition
	byID  map[TierID]int
}

// NewTierCatalog validates the tiers and orders them by ascending monthly price
func NewTierCatalog(tiers ...TierDefinition) (*TierCatalog, error) {
	if len(tiers) == 0 {
		return nil, shared.NewDomainError("INVALID_CATALOG", "Tier catalog cannot be empty")
	}

	ordered := make([]TierDefinition, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MonthlyPrice.Amount().LessThan(ordered[j].MonthlyPrice.Amount())
	})

	c := &TierCatalog{
		tiers: ordered,
		byID:  make(map[TierID]int, len(ordered)),
	}
	for i, t := range ordered {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, shared.NewDomainError("INVALID_CATALOG", fmt.Sprintf("Duplicate tier %s", t.ID))
		}
		c.byID[t.ID] = i
	}
	if err := c.validateProgressiveOverage(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetTier returns the tier definition for id.
// Returns *UnknownTierError when the id is not in the catalog.
func (c *TierCatalog) GetTier(id TierID) (TierDefinition, error) {
	i, ok := c.byID[id]
	if !ok {
		return TierDefinition{}, &UnknownTierError{TierID: id}
	}
	return c.tiers[i], nil
}

// Tiers returns all tiers ordered by ascending monthly price
func (c *TierCatalog) Tiers() []TierDefinition {
	out := make([]TierDefinition, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// NextTierAbove returns the next more expensive tier, used as the upgrade hint.
// Returns false for the top tier and for unknown ids.
func (c *TierCatalog) NextTierAbove(id TierID) (TierDefinition, bool) {
	i, ok := c.byID[id]
	if !ok || i+1 >= len(c.tiers) {
		return TierDefinition{}, false
	}
	return c.tiers[i+1], true
}

// validateProgressiveOverage checks that among soft-capped tiers, ordered by
// price, the overage price of each resource never decreases.
func (c *TierCatalog) validateProgressiveOverage() error {
	last := make(map[ResourceType]TierDefinition)
	for _, t := range c.tiers {
		if t.CapPolicy != CapPolicySoft {
			continue
		}
		for _, rt := range AllResourceTypes() {
			price, ok := t.OveragePrice(rt)
			if !ok {
				continue
			}
			if prev, seen := last[rt]; seen {
				prevPrice, _ := prev.OveragePrice(rt)
				if price.Amount().LessThan(prevPrice.Amount()) {
					return shared.NewDomainError("INVALID_CATALOG", fmt.Sprintf(
						"Overage price for %s drops from %s (%s) to %s (%s)",
						rt, prevPrice, prev.ID, price, t.ID))
				}
			}
			last[rt] = t
		}
	}
	return nil
}

func price(amount string) *valueobject.Money {
	m := valueobject.MustUSD(amount)
	return &m
}

func hard(n int64) ResourceQuota {
	return ResourceQuota{Limit: Limited(n)}
}

func soft(n int64, overage string) ResourceQuota {
	return ResourceQuota{Limit: Limited(n), OveragePrice: price(overage)}
}

func unlimited() ResourceQuota {
	return ResourceQuota{Limit: Unlimited()}
}

// StandardTiers returns the production tier set
func StandardTiers() []TierDefinition {
	return []TierDefinition{
		{
			ID:           TierStarter,
			Name:         "Starter",
			MonthlyPrice: valueobject.MustUSD("29.00"),
			CapPolicy:    CapPolicyHard,
			TrialDays:    14,
			Quotas: map[ResourceType]ResourceQuota{
				ResourceVideo:                hard(10),
				ResourceDocument:             hard(100),
				ResourceStorageDelta:         hard(5 * 1024),
				ResourceTranscriptionSeconds: hard(3600),
				ResourceAITokens:             hard(100_000),
				ResourceCaseCreated:          hard(25),
				ResourceSearchQuery:          unlimited(),
			},
		},
		{
			ID:           TierProfessional,
			Name:         "Professional",
			MonthlyPrice: valueobject.MustUSD("79.00"),
			CapPolicy:    CapPolicySoft,
			TrialDays:    14,
			Quotas: map[ResourceType]ResourceQuota{
				ResourceVideo:                soft(25, "1.50"),
				ResourceDocument:             soft(500, "0.10"),
				ResourceStorageDelta:         soft(25*1024, "0.0002"),
				ResourceTranscriptionSeconds: soft(18_000, "0.0025"),
				ResourceAITokens:             soft(1_000_000, "0.00002"),
				ResourceCaseCreated:          soft(100, "0.50"),
				ResourceSearchQuery:          unlimited(),
			},
		},
		{
			ID:           TierPremium,
			Name:         "Premium",
			MonthlyPrice: valueobject.MustUSD("199.00"),
			CapPolicy:    CapPolicySoft,
			Quotas: map[ResourceType]ResourceQuota{
				ResourceVideo:                soft(100, "2.00"),
				ResourceDocument:             soft(2000, "0.15"),
				ResourceStorageDelta:         soft(100*1024, "0.00025"),
				ResourceTranscriptionSeconds: soft(72_000, "0.003"),
				ResourceAITokens:             soft(5_000_000, "0.000025"),
				ResourceCaseCreated:          soft(500, "0.75"),
				ResourceSearchQuery:          unlimited(),
			},
		},
		{
			ID:           TierEnterprise,
			Name:         "Enterprise",
			MonthlyPrice: valueobject.MustUSD("499.00"),
			CapPolicy:    CapPolicySoft,
			Quotas: map[ResourceType]ResourceQuota{
				ResourceVideo:                unlimited(),
				ResourceDocument:             unlimited(),
				ResourceStorageDelta:         unlimited(),
				ResourceTranscriptionSeconds: unlimited(),
				ResourceAITokens:             unlimited(),
				ResourceCaseCreated:          unlimited(),
				ResourceSearchQuery:          unlimited(),
			},
		},
	}
}

// DefaultTierCatalog builds the catalog from StandardTiers.
// It panics if the static table is inconsistent.
func DefaultTierCatalog() *TierCatalog {
	c, err := NewTierCatalog(StandardTiers()...)
	if err != nil {
		panic(fmt.Sprintf("standard tier table is invalid: %v", err))
	}
	return c
}
