package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
)

// PaymentProcessor receives one overage line per chargeable invoice.
// The charge result arrives later through RecordChargeOutcome.
type PaymentProcessor interface {
	// SubmitOverage hands the invoice total to the processor and returns its reference.
	// Implementations must be idempotent on the invoice id.
	SubmitOverage(ctx context.Context, invoice *billing.Invoice) (string, error)
}

// SummaryCache holds recently computed usage summaries
type SummaryCache interface {
	// Get returns the cached summary, or false on a miss
	Get(ctx context.Context, userID uuid.UUID) (*UsageSummary, bool, error)
	// Set stores a summary for ttl
	Set(ctx context.Context, summary *UsageSummary, ttl time.Duration) error
	// Invalidate drops the user's summary
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// Metrics records metering measurements
type Metrics interface {
	RecordDecision(ctx context.Context, rt billing.ResourceType, outcome billing.Outcome)
	RecordUsage(ctx context.Context, rt billing.ResourceType, quantity int64)
	RecordAlert(ctx context.Context, rt billing.ResourceType, threshold billing.AlertThreshold)
	RecordOverage(ctx context.Context, tierID billing.TierID, cents int64)
	RecordClosePeriod(ctx context.Context, duration time.Duration, err error)
	RecordRolloverFailure(ctx context.Context, stage string)
}

// NoopMetrics discards all measurements
type NoopMetrics struct{}

func (NoopMetrics) RecordDecision(context.Context, billing.ResourceType, billing.Outcome)     {}
func (NoopMetrics) RecordUsage(context.Context, billing.ResourceType, int64)                  {}
func (NoopMetrics) RecordAlert(context.Context, billing.ResourceType, billing.AlertThreshold) {}
func (NoopMetrics) RecordOverage(context.Context, billing.TierID, int64)                      {}
func (NoopMetrics) RecordClosePeriod(context.Context, time.Duration, error)                   {}
func (NoopMetrics) RecordRolloverFailure(context.Context, string)                             {}

var _ Metrics = NoopMetrics{}
