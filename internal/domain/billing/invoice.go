package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
)

// PaymentStatus tracks the hand-off of an invoice to the payment processor
type PaymentStatus string

const (
	// PaymentStatusPending means the invoice has not been submitted yet
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusSubmitted means the processor accepted the overage line
	PaymentStatusSubmitted PaymentStatus = "SUBMITTED"
	// PaymentStatusNotRequired means there was nothing to charge
	PaymentStatusNotRequired PaymentStatus = "NOT_REQUIRED"
	// PaymentStatusPaid means the processor reported a successful charge
	PaymentStatusPaid PaymentStatus = "PAID"
	// PaymentStatusFailed means the processor reported a failed charge
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// String returns the string representation of PaymentStatus
func (s PaymentStatus) String() string {
	return string(s)
}

// InvoiceLine is the overage charge of one resource
type InvoiceLine struct {
	ResourceType    ResourceType      `json:"resource_type"`
	OverageQuantity int64             `json:"overage_quantity"`
	UnitPrice       valueobject.Money `json:"unit_price"`
	Amount          valueobject.Money `json:"amount"`
}

// Invoice is the overage bill of one closed period. Lines are sorted in
// ResourceType display order, and Total is their exact sum.
type Invoice struct {
	shared.BaseEntity
	UserID         uuid.UUID
	PeriodID       uuid.UUID
	TierID         TierID
	Lines          []InvoiceLine
	Total          valueobject.Money
	PaymentStatus  PaymentStatus
	ProcessorRef   string
	FailureReason  string
	SubmitAttempts int
}

// NewInvoice builds an invoice from a period's final counters.
// Only soft-capped resources with overage produce a line.
func NewInvoice(period *BillingPeriod, tier TierDefinition, counters []*QuotaCounter) (*Invoice, error) {
	if period == nil {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Billing period cannot be nil")
	}
	if period.TierID != tier.ID {
		return nil, shared.NewDomainError("INVALID_TIER",
			fmt.Sprintf("Period %s is on tier %s, not %s", period.ID, period.TierID, tier.ID))
	}

	byResource := make(map[ResourceType]*QuotaCounter, len(counters))
	for _, c := range counters {
		if c.PeriodID != period.ID {
			return nil, shared.NewDomainError("INVALID_COUNTER",
				fmt.Sprintf("Counter %s belongs to period %s", c.ID, c.PeriodID))
		}
		byResource[c.ResourceType] = c
	}

	currency := tier.MonthlyPrice.Currency()
	inv := &Invoice{
		BaseEntity:    shared.NewBaseEntity(),
		UserID:        period.UserID,
		PeriodID:      period.ID,
		TierID:        tier.ID,
		Lines:         make([]InvoiceLine, 0),
		Total:         valueobject.Zero(currency),
		PaymentStatus: PaymentStatusPending,
	}

	for _, rt := range AllResourceTypes() {
		c, ok := byResource[rt]
		if !ok || c.Overage <= 0 {
			continue
		}
		unitPrice, billable := tier.OveragePrice(rt)
		if !billable {
			continue
		}
		amount := unitPrice.Times(c.Overage)
		total, err := inv.Total.Add(amount)
		if err != nil {
			return nil, err
		}
		inv.Total = total
		inv.Lines = append(inv.Lines, InvoiceLine{
			ResourceType:    rt,
			OverageQuantity: c.Overage,
			UnitPrice:       unitPrice,
			Amount:          amount,
		})
	}

	if len(inv.Lines) == 0 {
		inv.PaymentStatus = PaymentStatusNotRequired
	}
	return inv, nil
}

// IsChargeable returns true if the invoice still has to reach the processor
func (i *Invoice) IsChargeable() bool {
	return i.PaymentStatus == PaymentStatusPending && i.Total.IsPositive()
}

// MarkSubmitted records the processor's reference for the overage line
func (i *Invoice) MarkSubmitted(ref string, at time.Time) {
	i.PaymentStatus = PaymentStatusSubmitted
	i.ProcessorRef = ref
	i.FailureReason = ""
	i.SubmitAttempts++
	i.Touch(at)
}

// MarkSubmitFailed records a failed hand-off; the invoice stays PENDING for retry
func (i *Invoice) MarkSubmitFailed(reason string, at time.Time) {
	i.FailureReason = reason
	i.SubmitAttempts++
	i.Touch(at)
}

// RecordChargeOutcome stores the processor's asynchronous charge result.
// It never changes the billing period.
func (i *Invoice) RecordChargeOutcome(paid bool, reason string, at time.Time) error {
	if i.PaymentStatus != PaymentStatusSubmitted && i.PaymentStatus != PaymentStatusFailed {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot record a charge outcome for invoice in %s status", i.PaymentStatus))
	}
	if paid {
		i.PaymentStatus = PaymentStatusPaid
		i.FailureReason = ""
	} else {
		i.PaymentStatus = PaymentStatusFailed
		i.FailureReason = reason
	}
	i.Touch(at)
	return nil
}

// SameCharges reports whether two invoices bill the same lines and total
func (i *Invoice) SameCharges(other *Invoice) bool {
	if other == nil || !i.Total.Equals(other.Total) || len(i.Lines) != len(other.Lines) {
		return false
	}
	for k := range i.Lines {
		a, b := i.Lines[k], other.Lines[k]
		if a.ResourceType != b.ResourceType || a.OverageQuantity != b.OverageQuantity ||
			!a.UnitPrice.Equals(b.UnitPrice) || !a.Amount.Equals(b.Amount) {
			return false
		}
	}
	return true
}
