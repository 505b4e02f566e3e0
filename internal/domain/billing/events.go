package billing

import (
	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
)

const (
	EventTypeAlertRaised  = "AlertRaised"
	EventTypePeriodClosed = "BillingPeriodClosed"
	EventTypePeriodOpened = "BillingPeriodOpened"
	AggregateTypeCounter  = "QuotaCounter"
	AggregateTypePeriod   = "BillingPeriod"
)

// AlertRaisedEvent is emitted once per threshold per period when a
// hard-capped quota reaches 80, 95 or 100 percent.
type AlertRaisedEvent struct {
	shared.BaseDomainEvent
	PeriodID     uuid.UUID      `json:"period_id"`
	ResourceType ResourceType   `json:"resource_type"`
	Threshold    AlertThreshold `json:"threshold"`
	Used         int64          `json:"used"`
	Limit        int64          `json:"limit"`
}

// NewAlertRaisedEvent creates an alert for the counter at threshold
func NewAlertRaisedEvent(c *QuotaCounter, th AlertThreshold) *AlertRaisedEvent {
	limit, _ := c.Limit.Amount()
	return &AlertRaisedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeAlertRaised, AggregateTypeCounter, c.ID, c.UserID),
		PeriodID:        c.PeriodID,
		ResourceType:    c.ResourceType,
		Threshold:       th,
		Used:            c.Used,
		Limit:           limit,
	}
}

// PeriodOpenedEvent is emitted when a user's billing period starts
type PeriodOpenedEvent struct {
	shared.BaseDomainEvent
	TierID TierID `json:"tier_id"`
}

// NewPeriodOpenedEvent creates an opened event for p
func NewPeriodOpenedEvent(p *BillingPeriod) *PeriodOpenedEvent {
	return &PeriodOpenedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePeriodOpened, AggregateTypePeriod, p.ID, p.UserID),
		TierID:          p.TierID,
	}
}

// PeriodClosedEvent is emitted when a billing period is closed and invoiced
type PeriodClosedEvent struct {
	shared.BaseDomainEvent
	TierID    TierID            `json:"tier_id"`
	InvoiceID uuid.UUID         `json:"invoice_id"`
	Total     valueobject.Money `json:"total"`
}

// NewPeriodClosedEvent creates a closed event for p and its invoice
func NewPeriodClosedEvent(p *BillingPeriod, inv *Invoice) *PeriodClosedEvent {
	return &PeriodClosedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePeriodClosed, AggregateTypePeriod, p.ID, p.UserID),
		TierID:          p.TierID,
		InvoiceID:       inv.ID,
		Total:           inv.Total,
	}
}
