package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	infra "github.com/lexmeter/backend/internal/infrastructure/billing"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// ChargeOutcomeRecorder stores the processor's charge result on an invoice
type ChargeOutcomeRecorder interface {
	RecordChargeOutcome(ctx context.Context, invoiceID uuid.UUID, paid bool, reason string) (*billing.Invoice, error)
}

// StripeWebhookService handles Stripe webhook events for overage charges
type StripeWebhookService struct {
	config   *infra.StripeConfig
	recorder ChargeOutcomeRecorder
	logger   *zap.Logger
}

// StripeWebhookServiceConfig contains configuration for StripeWebhookService
type StripeWebhookServiceConfig struct {
	Config   *infra.StripeConfig
	Recorder ChargeOutcomeRecorder
	Logger   *zap.Logger
}

// NewStripeWebhookService creates a new StripeWebhookService
func NewStripeWebhookService(cfg StripeWebhookServiceConfig) *StripeWebhookService {
	return &StripeWebhookService{
		config:   cfg.Config,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
}

// WebhookResult contains the result of processing a webhook
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// ProcessWebhook processes a Stripe webhook event
func (s *StripeWebhookService) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	// Verify webhook signature
	event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
	if err != nil {
		s.logger.Error("Failed to verify webhook signature",
			zap.Error(err))
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	s.logger.Info("Processing Stripe webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))

	result := &WebhookResult{
		EventID:   event.ID,
		EventType: string(event.Type),
		Processed: true,
	}

	switch event.Type {
	case "invoice.paid":
		err = s.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		err = s.handleInvoicePaymentFailed(ctx, event)
	default:
		s.logger.Debug("Unhandled webhook event type",
			zap.String("event_type", string(event.Type)))
		result.Message = "Event type not handled"
	}

	if err != nil {
		s.logger.Error("Failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		result.Processed = false
		result.Message = err.Error()
		return result, err
	}

	return result, nil
}

// handleInvoicePaid handles invoice.paid events
func (s *StripeWebhookService) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	s.logger.Info("Handling invoice paid",
		zap.String("stripe_invoice_id", invoice.ID))

	return s.recordOutcome(ctx, &invoice, true, "")
}

// handleInvoicePaymentFailed handles invoice.payment_failed events
func (s *StripeWebhookService) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	s.logger.Info("Handling invoice payment failed",
		zap.String("stripe_invoice_id", invoice.ID),
		zap.Int64("attempt_count", invoice.AttemptCount))

	reason := fmt.Sprintf("payment failed after %d attempt(s)", invoice.AttemptCount)
	if invoice.LastFinalizationError != nil && invoice.LastFinalizationError.Msg != "" {
		reason = invoice.LastFinalizationError.Msg
	}
	return s.recordOutcome(ctx, &invoice, false, reason)
}

// recordOutcome applies the outcome to every overage invoice the Stripe
// invoice carries a line for. Unknown invoices are acknowledged so Stripe
// stops retrying.
func (s *StripeWebhookService) recordOutcome(ctx context.Context, invoice *stripe.Invoice, paid bool, reason string) error {
	ids := overageInvoiceIDs(invoice)
	if len(ids) == 0 {
		s.logger.Debug("Invoice has no overage lines, skipping",
			zap.String("stripe_invoice_id", invoice.ID))
		return nil
	}

	for _, id := range ids {
		_, err := s.recorder.RecordChargeOutcome(ctx, id, paid, reason)
		switch {
		case err == nil:
		case errors.Is(err, shared.ErrNotFound):
			s.logger.Warn("Overage invoice not found",
				zap.String("invoice_id", id.String()),
				zap.String("stripe_invoice_id", invoice.ID))
		case errors.Is(err, shared.ErrInvalidState):
			// Redelivered event for an outcome we already stored
			s.logger.Debug("Charge outcome already recorded",
				zap.String("invoice_id", id.String()))
		default:
			return fmt.Errorf("failed to record charge outcome: %w", err)
		}
	}
	return nil
}

// overageInvoiceIDs reads our invoice ids from the line item metadata
func overageInvoiceIDs(invoice *stripe.Invoice) []uuid.UUID {
	if invoice.Lines == nil {
		return nil
	}
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, line := range invoice.Lines.Data {
		if line == nil {
			continue
		}
		raw, ok := line.Metadata[infra.MetadataInvoiceID]
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
