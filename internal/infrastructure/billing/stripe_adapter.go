package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	domain "github.com/lexmeter/backend/internal/domain/billing"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/invoiceitem"
	"go.uber.org/zap"
)

// StripeAdapter submits period overage charges to Stripe as invoice items.
// Stripe attaches pending items to the customer's next invoice.
type StripeAdapter struct {
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeAdapter creates a new Stripe adapter
func NewStripeAdapter(config *StripeConfig, logger *zap.Logger) (*StripeAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.applyKey()

	return &StripeAdapter{
		config: config,
		logger: logger,
	}, nil
}

// SubmitOverage creates the overage line of a chargeable invoice and returns
// the Stripe invoice item id. Retries for the same invoice reuse the same
// idempotency key, so Stripe creates the item at most once.
func (a *StripeAdapter) SubmitOverage(ctx context.Context, invoice *domain.Invoice) (string, error) {
	customerID, err := a.config.CustomerID(invoice.UserID)
	if err != nil {
		return "", err
	}

	currency := strings.ToLower(string(invoice.Total.Currency()))
	if currency == "" {
		currency = a.config.DefaultCurrency
	}

	out, err := a.CreateOverageItem(ctx, OverageLineInput{
		InvoiceID:   invoice.ID,
		UserID:      invoice.UserID,
		PeriodID:    invoice.PeriodID,
		CustomerID:  customerID,
		AmountCents: invoice.Total.Cents(),
		Currency:    currency,
		Description: OverageDescription(invoice),
	})
	if err != nil {
		return "", err
	}
	return out.InvoiceItemID, nil
}

// CreateOverageItem creates one Stripe invoice item
func (a *StripeAdapter) CreateOverageItem(ctx context.Context, input OverageLineInput) (*OverageLineOutput, error) {
	a.logger.Debug("Creating Stripe overage item",
		zap.String("invoice_id", input.InvoiceID.String()),
		zap.String("customer_id", input.CustomerID),
		zap.Int64("amount_cents", input.AmountCents))

	// Validate input
	if input.CustomerID == "" {
		return nil, fmt.Errorf("stripe: customer ID is required")
	}
	if input.AmountCents <= 0 {
		return nil, fmt.Errorf("stripe: overage amount must be positive")
	}

	// Build invoice item params
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(input.CustomerID),
		Amount:      stripe.Int64(input.AmountCents),
		Currency:    stripe.String(input.Currency),
		Description: stripe.String(input.Description),
	}
	params.Context = ctx
	params.Metadata = map[string]string{
		MetadataInvoiceID: input.InvoiceID.String(),
		MetadataUserID:    input.UserID.String(),
		MetadataPeriodID:  input.PeriodID.String(),
	}
	params.SetIdempotencyKey(OverageIdempotencyKey(input.InvoiceID))

	item, err := invoiceitem.New(params)
	if err != nil {
		a.logger.Error("Failed to create Stripe overage item",
			zap.String("invoice_id", input.InvoiceID.String()),
			zap.String("customer_id", input.CustomerID),
			zap.Error(err))
		return nil, fmt.Errorf("stripe: failed to create invoice item: %w", err)
	}

	a.logger.Info("Created Stripe overage item",
		zap.String("invoice_id", input.InvoiceID.String()),
		zap.String("invoice_item_id", item.ID),
		zap.Int64("amount_cents", item.Amount))

	customerID := input.CustomerID
	if item.Customer != nil && item.Customer.ID != "" {
		customerID = item.Customer.ID
	}
	return &OverageLineOutput{
		InvoiceItemID: item.ID,
		CustomerID:    customerID,
		AmountCents:   item.Amount,
		Currency:      string(item.Currency),
		CreatedAt:     time.Unix(item.Date, 0),
	}, nil
}

// GetOverageItem retrieves a previously created overage item
func (a *StripeAdapter) GetOverageItem(ctx context.Context, itemID string) (*OverageLineOutput, error) {
	a.logger.Debug("Getting Stripe overage item", zap.String("invoice_item_id", itemID))

	params := &stripe.InvoiceItemParams{}
	params.Context = ctx
	item, err := invoiceitem.Get(itemID, params)
	if err != nil {
		a.logger.Error("Failed to get Stripe overage item",
			zap.String("invoice_item_id", itemID),
			zap.Error(err))
		return nil, fmt.Errorf("stripe: failed to get invoice item: %w", err)
	}

	out := &OverageLineOutput{
		InvoiceItemID: item.ID,
		AmountCents:   item.Amount,
		Currency:      string(item.Currency),
		CreatedAt:     time.Unix(item.Date, 0),
	}
	if item.Customer != nil {
		out.CustomerID = item.Customer.ID
	}
	return out, nil
}

// OverageIdempotencyKey derives the Stripe idempotency key of an invoice
func OverageIdempotencyKey(invoiceID uuid.UUID) string {
	// Format: overage:invoice_id
	return "overage:" + invoiceID.String()
}

// ParseOverageIdempotencyKey parses an idempotency key back to its invoice id
func ParseOverageIdempotencyKey(key string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(key, "overage:")
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid idempotency key format")
	}
	invoiceID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid invoice ID in idempotency key: %w", err)
	}
	return invoiceID, nil
}

// OverageDescription summarizes an invoice's lines for the customer's statement
func OverageDescription(invoice *domain.Invoice) string {
	parts := make([]string, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		parts = append(parts, fmt.Sprintf("%s x%d", line.ResourceType.DisplayName(), line.OverageQuantity))
	}
	return "Usage overage: " + strings.Join(parts, ", ")
}

// NoopInvoicer accepts every submission without contacting a processor.
// Used when Stripe is not configured.
type NoopInvoicer struct {
	logger *zap.Logger
}

// NewNoopInvoicer creates a new NoopInvoicer
func NewNoopInvoicer(logger *zap.Logger) *NoopInvoicer {
	return &NoopInvoicer{logger: logger}
}

// SubmitOverage logs the invoice and returns a local reference
func (n *NoopInvoicer) SubmitOverage(_ context.Context, invoice *domain.Invoice) (string, error) {
	n.logger.Info("Payment processor disabled, overage not charged",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("user_id", invoice.UserID.String()),
		zap.String("total", invoice.Total.String()))
	return "noop_" + invoice.ID.String(), nil
}
