package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
)

// UsageService is the metering surface the usage and upload handlers need
type UsageService interface {
	Estimate(ctx context.Context, input appbilling.DecideInput) (*billing.Decision, error)
	Consume(ctx context.Context, input appbilling.ConsumeInput) (*appbilling.ConsumeResult, error)
	Remaining(ctx context.Context, userID uuid.UUID, rt billing.ResourceType) (*appbilling.ResourceUsage, error)
	Summary(ctx context.Context, userID uuid.UUID) (*appbilling.UsageSummary, error)
	ListEvents(ctx context.Context, input appbilling.ListEventsInput) ([]*billing.UsageEvent, error)
}

// SubscriptionService opens and switches billing periods
type SubscriptionService interface {
	Subscribe(ctx context.Context, userID uuid.UUID, tierID billing.TierID, at time.Time) (*billing.BillingPeriod, error)
	ChangeTier(ctx context.Context, userID uuid.UUID, newTier billing.TierID, at time.Time) (*appbilling.TierChange, error)
	CurrentPeriod(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error)
	ScheduleTierChange(ctx context.Context, userID uuid.UUID, tierID billing.TierID, at time.Time) (*billing.BillingPeriod, error)
	CancelTierChange(ctx context.Context, userID uuid.UUID, at time.Time) (*billing.BillingPeriod, error)
}

// InvoiceCloser closes periods and recomputes their invoices
type InvoiceCloser interface {
	ClosePeriod(ctx context.Context, userID, periodID uuid.UUID) (*billing.Invoice, error)
	ReplayInvoice(ctx context.Context, userID, periodID uuid.UUID) (*billing.Invoice, error)
}

// InvoiceStore reads periods and invoices and records charge outcomes
type InvoiceStore interface {
	Period(ctx context.Context, periodID uuid.UUID) (*billing.BillingPeriod, error)
	InvoiceForPeriod(ctx context.Context, periodID uuid.UUID) (*billing.Invoice, error)
	Invoices(ctx context.Context, userID uuid.UUID, limit int) ([]*billing.Invoice, error)
	RecordChargeOutcome(ctx context.Context, invoiceID uuid.UUID, paid bool, reason string) (*billing.Invoice, error)
}

// RolloverTrigger runs the period rollover sweep on demand
type RolloverTrigger interface {
	RunNow(ctx context.Context) (*appbilling.RolloverResult, error)
}

// WebhookProcessor verifies and applies a payment processor webhook
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signature string) (*appbilling.WebhookResult, error)
}
