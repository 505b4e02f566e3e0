package handler

import (
	"time"

	"github.com/google/uuid"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
)

// ============================================================================
// Requests
// ============================================================================

// SubscribeRequest opens the first billing period for the caller
//
//	@Description	Subscribe to a tier
type SubscribeRequest struct {
	TierID string `json:"tier_id" binding:"required" example:"STARTER"`
}

// ChangeTierRequest moves the caller to another tier
//
//	@Description	Change the current tier
type ChangeTierRequest struct {
	TierID string `json:"tier_id" binding:"required" example:"PROFESSIONAL"`
}

// DecideRequest asks the gate about a prospective consumption
//
//	@Description	Quota decision request
type DecideRequest struct {
	ResourceType string `json:"resource_type" binding:"required,resource_type" example:"video"`
	Quantity     int64  `json:"quantity" binding:"required,gt=0" example:"1"`
}

// ConsumeRequest records a completed resource action
//
//	@Description	Usage event to record
type ConsumeRequest struct {
	ResourceType   string     `json:"resource_type" binding:"required,resource_type" example:"ai_tokens"`
	Quantity       int64      `json:"quantity" binding:"required,gt=0" example:"1500"`
	CostRelevant   *bool      `json:"cost_relevant,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty" binding:"max=128,idempotency_key" example:"req-7f3a"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

// PrepareUploadRequest asks for a presigned upload URL
//
//	@Description	Upload preparation request
type PrepareUploadRequest struct {
	FileName  string `json:"file_name" binding:"required,max=255" example:"deposition.mp4"`
	SizeBytes int64  `json:"size_bytes" binding:"required,gt=0" example:"73400320"`
}

// ConfirmUploadRequest reports a finished upload
//
//	@Description	Upload confirmation request
type ConfirmUploadRequest struct {
	Key string `json:"key" binding:"required" example:"uploads/550e8400-e29b-41d4-a716-446655440000/1b4e-deposition.mp4"`
}

// ChargeOutcomeRequest records an asynchronous charge result
//
//	@Description	Charge outcome reported by the payment processor
type ChargeOutcomeRequest struct {
	Paid   *bool  `json:"paid" binding:"required" example:"false"`
	Reason string `json:"reason,omitempty" example:"card_declined"`
}

// ============================================================================
// Responses
// ============================================================================

// QuotaResponse is one resource allowance of a tier
//
//	@Description	Per-period resource allowance
type QuotaResponse struct {
	ResourceType billing.ResourceType `json:"resource_type" example:"video"`
	DisplayName  string               `json:"display_name" example:"Videos"`
	Unit         billing.Unit         `json:"unit"`
	Limit        billing.Limit        `json:"limit"`
	CapPolicy    billing.CapPolicy    `json:"cap_policy" example:"SOFT"`
	OveragePrice *valueobject.Money   `json:"overage_price,omitempty"`
}

// TierResponse describes one subscription tier
//
//	@Description	Subscription tier
type TierResponse struct {
	ID           billing.TierID    `json:"id" example:"PROFESSIONAL"`
	Name         string            `json:"name" example:"Professional"`
	MonthlyPrice valueobject.Money `json:"monthly_price"`
	CapPolicy    billing.CapPolicy `json:"cap_policy" example:"SOFT"`
	TrialDays    int               `json:"trial_days" example:"14"`
	Quotas       []QuotaResponse   `json:"quotas"`
}

// PeriodResponse describes a billing period
//
//	@Description	Billing period
type PeriodResponse struct {
	ID            uuid.UUID            `json:"id"`
	UserID        uuid.UUID            `json:"user_id"`
	TierID        billing.TierID       `json:"tier_id" example:"STARTER"`
	Status        billing.PeriodStatus `json:"status" example:"OPEN"`
	StartsAt      time.Time            `json:"starts_at"`
	EndsAt        time.Time            `json:"ends_at"`
	TrialEndsAt   *time.Time           `json:"trial_ends_at,omitempty"`
	ClosedAt      *time.Time           `json:"closed_at,omitempty"`
	InvoicedAt    *time.Time           `json:"invoiced_at,omitempty"`
	PendingTierID *billing.TierID      `json:"pending_tier_id,omitempty" example:"PREMIUM"`
}

// InvoiceResponse describes the overage invoice of a closed period
//
//	@Description	Overage invoice
type InvoiceResponse struct {
	ID             uuid.UUID             `json:"id"`
	UserID         uuid.UUID             `json:"user_id"`
	PeriodID       uuid.UUID             `json:"period_id"`
	TierID         billing.TierID        `json:"tier_id"`
	Lines          []billing.InvoiceLine `json:"lines"`
	Total          valueobject.Money     `json:"total"`
	PaymentStatus  billing.PaymentStatus `json:"payment_status" example:"SUBMITTED"`
	ProcessorRef   string                `json:"processor_ref,omitempty" example:"ii_1Nv0"`
	FailureReason  string                `json:"failure_reason,omitempty"`
	SubmitAttempts int                   `json:"submit_attempts"`
	CreatedAt      time.Time             `json:"created_at"`
}

// TierChangeResponse is the result of a tier switch
//
//	@Description	Tier change result
type TierChangeResponse struct {
	ClosedPeriod PeriodResponse   `json:"closed_period"`
	Invoice      *InvoiceResponse `json:"invoice,omitempty"`
	NewPeriod    PeriodResponse   `json:"new_period"`
}

// UsageEventResponse is one ledger entry
//
//	@Description	Usage ledger event
type UsageEventResponse struct {
	ID             uuid.UUID            `json:"id"`
	PeriodID       uuid.UUID            `json:"period_id"`
	ResourceType   billing.ResourceType `json:"resource_type" example:"video"`
	Quantity       int64                `json:"quantity" example:"1"`
	CostRelevant   bool                 `json:"cost_relevant"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
	RecordedAt     time.Time            `json:"recorded_at"`
}

// ConsumeResponse is the result of recording usage
//
//	@Description	Recorded usage
type ConsumeResponse struct {
	EventID   uuid.UUID                 `json:"event_id"`
	PeriodID  uuid.UUID                 `json:"period_id"`
	Duplicate bool                      `json:"duplicate"`
	Usage     *appbilling.ResourceUsage `json:"usage,omitempty"`
}

// PrepareUploadResponse carries the presigned upload target
//
//	@Description	Presigned upload
type PrepareUploadResponse struct {
	Key       string            `json:"key"`
	UploadURL string            `json:"upload_url"`
	ExpiresAt time.Time         `json:"expires_at"`
	Decision  *billing.Decision `json:"decision"`
}

// ReplayResponse compares a stored invoice with a recomputation
//
//	@Description	Invoice replay result
type ReplayResponse struct {
	Stored     *InvoiceResponse `json:"stored,omitempty"`
	Replayed   InvoiceResponse  `json:"replayed"`
	Consistent bool             `json:"consistent"`
}

// ============================================================================
// Converters
// ============================================================================

func toTierResponse(t billing.TierDefinition) TierResponse {
	resp := TierResponse{
		ID:           t.ID,
		Name:         t.Name,
		MonthlyPrice: t.MonthlyPrice,
		CapPolicy:    t.CapPolicy,
		TrialDays:    t.TrialDays,
		Quotas:       make([]QuotaResponse, 0, len(billing.AllResourceTypes())),
	}
	for _, rt := range billing.AllResourceTypes() {
		q := QuotaResponse{
			ResourceType: rt,
			DisplayName:  rt.DisplayName(),
			Unit:         rt.Unit(),
			Limit:        t.LimitFor(rt),
			CapPolicy:    t.CapPolicyFor(rt),
		}
		if price, ok := t.OveragePrice(rt); ok {
			q.OveragePrice = &price
		}
		resp.Quotas = append(resp.Quotas, q)
	}
	return resp
}

func toPeriodResponse(p *billing.BillingPeriod) PeriodResponse {
	return PeriodResponse{
		ID:            p.ID,
		UserID:        p.UserID,
		TierID:        p.TierID,
		Status:        p.Status,
		StartsAt:      p.StartsAt,
		EndsAt:        p.EndsAt,
		TrialEndsAt:   p.TrialEndsAt,
		ClosedAt:      p.ClosedAt,
		InvoicedAt:    p.InvoicedAt,
		PendingTierID: p.PendingTierID,
	}
}

func toInvoiceResponse(inv *billing.Invoice) InvoiceResponse {
	lines := inv.Lines
	if lines == nil {
		lines = []billing.InvoiceLine{}
	}
	return InvoiceResponse{
		ID:             inv.ID,
		UserID:         inv.UserID,
		PeriodID:       inv.PeriodID,
		TierID:         inv.TierID,
		Lines:          lines,
		Total:          inv.Total,
		PaymentStatus:  inv.PaymentStatus,
		ProcessorRef:   inv.ProcessorRef,
		FailureReason:  inv.FailureReason,
		SubmitAttempts: inv.SubmitAttempts,
		CreatedAt:      inv.CreatedAt,
	}
}

func toUsageEventResponse(e *billing.UsageEvent) UsageEventResponse {
	return UsageEventResponse{
		ID:             e.ID(),
		PeriodID:       e.PeriodID(),
		ResourceType:   e.ResourceType(),
		Quantity:       e.Quantity(),
		CostRelevant:   e.CostRelevant(),
		IdempotencyKey: e.IdempotencyKey(),
		OccurredAt:     e.OccurredAt(),
		RecordedAt:     e.RecordedAt(),
	}
}
