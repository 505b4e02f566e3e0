package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
)

// UsageEvent is an immutable record of a single consumption.
// Once appended to the ledger it is never updated or deleted.
type UsageEvent struct {
	id             uuid.UUID
	userID         uuid.UUID
	periodID       uuid.UUID
	resourceType   ResourceType
	quantity       int64
	costRelevant   bool
	occurredAt     time.Time
	idempotencyKey string
	recordedAt     time.Time
}

// NewUsageEvent creates a validated usage event
func NewUsageEvent(
	userID, periodID uuid.UUID,
	resourceType ResourceType,
	quantity int64,
	occurredAt time.Time,
) (*UsageEvent, error) {
	if userID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_USER", "User ID cannot be empty")
	}
	if periodID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Billing period ID cannot be empty")
	}
	if !resourceType.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", "Invalid resource type")
	}
	if quantity < 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Quantity cannot be negative")
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return &UsageEvent{
		id:           uuid.New(),
		userID:       userID,
		periodID:     periodID,
		resourceType: resourceType,
		quantity:     quantity,
		costRelevant: true,
		occurredAt:   occurredAt.UTC(),
		recordedAt:   time.Now().UTC(),
	}, nil
}

// WithCostRelevant returns a copy with the cost-relevant flag set
func (e *UsageEvent) WithCostRelevant(v bool) *UsageEvent {
	c := *e
	c.costRelevant = v
	return &c
}

// WithIdempotencyKey returns a copy carrying the caller's deduplication key
func (e *UsageEvent) WithIdempotencyKey(key string) *UsageEvent {
	c := *e
	c.idempotencyKey = key
	return &c
}

// ReconstructUsageEvent rebuilds an event from persistence
func ReconstructUsageEvent(
	id, userID, periodID uuid.UUID,
	resourceType ResourceType,
	quantity int64,
	costRelevant bool,
	occurredAt time.Time,
	idempotencyKey string,
	recordedAt time.Time,
) *UsageEvent {
	return &UsageEvent{
		id:             id,
		userID:         userID,
		periodID:       periodID,
		resourceType:   resourceType,
		quantity:       quantity,
		costRelevant:   costRelevant,
		occurredAt:     occurredAt,
		idempotencyKey: idempotencyKey,
		recordedAt:     recordedAt,
	}
}

func (e *UsageEvent) ID() uuid.UUID              { return e.id }
func (e *UsageEvent) UserID() uuid.UUID          { return e.userID }
func (e *UsageEvent) PeriodID() uuid.UUID        { return e.periodID }
func (e *UsageEvent) ResourceType() ResourceType { return e.resourceType }
func (e *UsageEvent) Quantity() int64            { return e.quantity }
func (e *UsageEvent) CostRelevant() bool         { return e.costRelevant }
func (e *UsageEvent) OccurredAt() time.Time      { return e.occurredAt }
func (e *UsageEvent) IdempotencyKey() string     { return e.idempotencyKey }
func (e *UsageEvent) RecordedAt() time.Time      { return e.recordedAt }
