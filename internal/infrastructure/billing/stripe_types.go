package billing

import (
	"time"

	"github.com/google/uuid"
)

// OverageLineInput contains input for creating the overage line of one invoice
type OverageLineInput struct {
	InvoiceID   uuid.UUID // Used to derive the idempotency key
	UserID      uuid.UUID
	PeriodID    uuid.UUID
	CustomerID  string
	AmountCents int64
	Currency    string // lowercase ISO code, e.g. "usd"
	Description string
}

// OverageLineOutput contains the created Stripe invoice item
type OverageLineOutput struct {
	InvoiceItemID string
	CustomerID    string
	AmountCents   int64
	Currency      string
	CreatedAt     time.Time
}

// Metadata keys written on every overage line
const (
	MetadataInvoiceID = "invoice_id"
	MetadataUserID    = "user_id"
	MetadataPeriodID  = "period_id"
)
