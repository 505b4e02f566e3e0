package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
)

// DecideInput asks whether a user may consume quantity of a resource
type DecideInput struct {
	UserID       uuid.UUID
	ResourceType billing.ResourceType
	Quantity     int64
}

// ConsumeInput records a resource action that already succeeded
type ConsumeInput struct {
	UserID         uuid.UUID
	ResourceType   billing.ResourceType
	Quantity       int64
	CostRelevant   *bool     // nil means true
	IdempotencyKey string    // optional; retries with the same key are applied once
	OccurredAt     time.Time // zero means now

	// Enforce re-runs the gate inside the recording transaction. Used when
	// the measured quantity may differ from what was authorized up front.
	Enforce bool
}

// ConsumeResult is the outcome of a Consume call
type ConsumeResult struct {
	EventID   uuid.UUID
	PeriodID  uuid.UUID
	Counter   *billing.QuotaCounter
	Duplicate bool
}

// ResourceUsage is one resource's consumption in the current period
type ResourceUsage struct {
	ResourceType billing.ResourceType `json:"resource_type"`
	DisplayName  string               `json:"display_name"`
	Unit         billing.Unit         `json:"unit"`
	Used         int64                `json:"used"`
	Limit        billing.Limit        `json:"limit"`
	Remaining    billing.Remaining    `json:"remaining"`
	Overage      int64                `json:"overage"`
	Percentage   *float64             `json:"percentage,omitempty"`
	Formatted    string               `json:"formatted"`
}

// UsageSummary is a snapshot of a user's current billing period
type UsageSummary struct {
	UserID      uuid.UUID       `json:"user_id"`
	PeriodID    uuid.UUID       `json:"period_id"`
	TierID      billing.TierID  `json:"tier_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	InTrial     bool            `json:"in_trial"`
	Resources   []ResourceUsage `json:"resources"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// RolloverFailure records one period the sweep could not finish
type RolloverFailure struct {
	UserID   uuid.UUID `json:"user_id"`
	PeriodID uuid.UUID `json:"period_id"`
	Stage    string    `json:"stage"`
	Fatal    bool      `json:"fatal"`
	Error    string    `json:"error"`
}

// RolloverResult summarizes one sweep
type RolloverResult struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Closed     int               `json:"closed"`
	Opened     int               `json:"opened"`
	Invoiced   int               `json:"invoiced"`
	Retried    int               `json:"retried"`
	Failures   []RolloverFailure `json:"failures,omitempty"`
}

// HasFatal reports whether any failure must be investigated before rerunning
func (r *RolloverResult) HasFatal() bool {
	for _, f := range r.Failures {
		if f.Fatal {
			return true
		}
	}
	return false
}
