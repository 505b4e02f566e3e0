package billing

import (
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
)

// Outcome is the verdict of the enforcement gate
type Outcome string

const (
	OutcomeAllow            Outcome = "ALLOW"
	OutcomeAllowWithOverage Outcome = "ALLOW_WITH_OVERAGE"
	OutcomeReject           Outcome = "REJECT"
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	return string(o)
}

// ReasonQuotaExceeded is the reject reason for an exhausted hard quota
const ReasonQuotaExceeded = "quota_exceeded"

// Decision is the gate's answer for one requested consumption
type Decision struct {
	Outcome      Outcome           `json:"outcome"`
	ResourceType ResourceType      `json:"resource_type"`
	Requested    int64             `json:"requested"`
	Remaining    Remaining         `json:"remaining"`
	Shortfall    int64             `json:"shortfall"`
	Fee          valueobject.Money `json:"fee"`
	Reason       string            `json:"reason,omitempty"`
	UpgradeHint  *TierID           `json:"upgrade_hint,omitempty"`
}

// Allowed returns true unless the decision is a rejection
func (d *Decision) Allowed() bool {
	return d.Outcome != OutcomeReject
}

// Decide is the pure enforcement rule. next is the tier suggested on a
// rejection; nil when the user is already on the top tier.
func Decide(tier TierDefinition, rt ResourceType, remaining Remaining, requested int64, next *TierDefinition) *Decision {
	d := &Decision{
		Outcome:      OutcomeAllow,
		ResourceType: rt,
		Requested:    requested,
		Remaining:    remaining,
		Fee:          valueobject.Zero(tier.MonthlyPrice.Currency()),
	}
	if remaining.Covers(requested) {
		return d
	}

	left, _ := remaining.Amount()
	d.Shortfall = requested - max(left, 0)

	if tier.CapPolicyFor(rt) == CapPolicyHard {
		d.Outcome = OutcomeReject
		d.Reason = ReasonQuotaExceeded
		if next != nil {
			id := next.ID
			d.UpgradeHint = &id
		}
		return d
	}

	d.Outcome = OutcomeAllowWithOverage
	if price, ok := tier.OveragePrice(rt); ok {
		d.Fee = price.Times(d.Shortfall)
	}
	return d
}
