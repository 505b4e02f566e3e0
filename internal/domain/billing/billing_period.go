package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
)

// PeriodStatus is the lifecycle state of a billing period
type PeriodStatus string

const (
	PeriodStatusOpen     PeriodStatus = "OPEN"
	PeriodStatusClosed   PeriodStatus = "CLOSED"
	PeriodStatusInvoiced PeriodStatus = "INVOICED"
)

// String returns the string representation of PeriodStatus
func (s PeriodStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is valid
func (s PeriodStatus) IsValid() bool {
	switch s {
	case PeriodStatusOpen, PeriodStatusClosed, PeriodStatusInvoiced:
		return true
	}
	return false
}

// BillingPeriod is a user's subscription window. The tier in effect is stored
// on the period and never read from ambient state. Status only moves forward:
// OPEN -> CLOSED -> INVOICED.
type BillingPeriod struct {
	shared.BaseAggregateRoot
	UserID      uuid.UUID
	TierID      TierID
	StartsAt    time.Time
	EndsAt      time.Time
	TrialEndsAt *time.Time
	Status      PeriodStatus
	ClosedAt    *time.Time
	InvoicedAt  *time.Time

	// PendingTierID is the tier the next period opens on, set by a
	// scheduled change. Nil keeps TierID.
	PendingTierID *TierID
}

// PeriodCursor is a keyset position in (EndsAt, ID) order
type PeriodCursor struct {
	EndsAt time.Time
	ID     uuid.UUID
}

// Cursor returns the keyset position of p
func (p *BillingPeriod) Cursor() PeriodCursor {
	return PeriodCursor{EndsAt: p.EndsAt, ID: p.ID}
}

// NewBillingPeriod opens a one-month period for the user starting at start
func NewBillingPeriod(userID uuid.UUID, tier TierDefinition, start time.Time) (*BillingPeriod, error) {
	if userID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_USER", "User ID cannot be empty")
	}
	if start.IsZero() {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period start cannot be zero")
	}
	start = start.UTC()

	p := &BillingPeriod{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		UserID:            userID,
		TierID:            tier.ID,
		StartsAt:          start,
		EndsAt:            start.AddDate(0, 1, 0),
		Status:            PeriodStatusOpen,
	}
	if tier.TrialDays > 0 {
		trialEnd := start.AddDate(0, 0, tier.TrialDays)
		p.TrialEndsAt = &trialEnd
	}
	return p, nil
}

// RenewalTierID is the tier the period following p opens on
func (p *BillingPeriod) RenewalTierID() TierID {
	if p.PendingTierID != nil {
		return *p.PendingTierID
	}
	return p.TierID
}

// ScheduleTierChange makes the next period open on tier. Scheduling the
// period's own tier is rejected; use CancelTierChange instead.
func (p *BillingPeriod) ScheduleTierChange(tier TierID, at time.Time) error {
	if p.Status != PeriodStatusOpen {
		return &PeriodAlreadyClosedError{PeriodID: p.ID, Status: p.Status}
	}
	if tier == p.TierID {
		return shared.NewDomainError("SAME_TIER", fmt.Sprintf("User is already on tier %s", tier))
	}
	p.PendingTierID = &tier
	p.Advance(at)
	return nil
}

// CancelTierChange drops a scheduled change so the next period keeps TierID
func (p *BillingPeriod) CancelTierChange(at time.Time) error {
	if p.Status != PeriodStatusOpen {
		return &PeriodAlreadyClosedError{PeriodID: p.ID, Status: p.Status}
	}
	if p.PendingTierID == nil {
		return shared.NewDomainError("NO_PENDING_TIER_CHANGE", "No tier change is scheduled")
	}
	p.PendingTierID = nil
	p.Advance(at)
	return nil
}

// NextPeriod opens the period that follows p, on the given tier
func (p *BillingPeriod) NextPeriod(tier TierDefinition) (*BillingPeriod, error) {
	next, err := NewBillingPeriod(p.UserID, tier, p.EndsAt)
	if err != nil {
		return nil, err
	}
	// Trials apply only to the first period of a subscription
	next.TrialEndsAt = nil
	return next, nil
}

// IsOpen returns true if usage can still be recorded against the period
func (p *BillingPeriod) IsOpen() bool {
	return p.Status == PeriodStatusOpen
}

// IsExpired returns true if the period window has ended at now
func (p *BillingPeriod) IsExpired(now time.Time) bool {
	return !now.Before(p.EndsAt)
}

// InTrial returns true while the trial window covers now
func (p *BillingPeriod) InTrial(now time.Time) bool {
	return p.TrialEndsAt != nil && now.Before(*p.TrialEndsAt)
}

// Close moves the period OPEN -> CLOSED.
// Returns *PeriodAlreadyClosedError when the period is not open.
func (p *BillingPeriod) Close(at time.Time) error {
	if p.Status != PeriodStatusOpen {
		return &PeriodAlreadyClosedError{PeriodID: p.ID, Status: p.Status}
	}
	p.Status = PeriodStatusClosed
	p.ClosedAt = &at
	p.Advance(at)
	return nil
}

// MarkInvoiced moves the period CLOSED -> INVOICED
func (p *BillingPeriod) MarkInvoiced(at time.Time) error {
	if p.Status != PeriodStatusClosed {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot invoice billing period in %s status", p.Status))
	}
	p.Status = PeriodStatusInvoiced
	p.InvoicedAt = &at
	p.Advance(at)
	return nil
}
