package billing

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// LedgerQuery selects the events of one user in one period, optionally
// narrowed to a single resource type
type LedgerQuery struct {
	UserID       uuid.UUID
	PeriodID     uuid.UUID
	ResourceType *ResourceType
}

// UsageLedger is the append-only store of usage events.
// Events are never updated or deleted.
type UsageLedger interface {
	// Append durably stores an event and returns its id.
	// Storage errors are returned as-is; no business validation happens here.
	Append(ctx context.Context, event *UsageEvent) (uuid.UUID, error)

	// Query lazily yields matching events in ascending timestamp order.
	// The sequence is finite and may be ranged over more than once.
	Query(ctx context.Context, q LedgerQuery) iter.Seq2[*UsageEvent, error]

	// FindByIdempotencyKey returns the event appended with key, or shared.ErrNotFound
	FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*UsageEvent, error)
}

// QuotaCounterRepository persists per-period quota counters
type QuotaCounterRepository interface {
	// CreateAll inserts the counters of a freshly opened period.
	// Existing (user, period, resource) rows are left untouched.
	CreateAll(ctx context.Context, counters []*QuotaCounter) error

	// Find returns the counter for a key, or shared.ErrNotFound
	Find(ctx context.Context, userID, periodID uuid.UUID, rt ResourceType) (*QuotaCounter, error)

	// FindByPeriod returns all counters of a period
	FindByPeriod(ctx context.Context, userID, periodID uuid.UUID) ([]*QuotaCounter, error)

	// Increment atomically adds quantity to the counter for a key, settles
	// overage and alert flags, and returns the updated counter together with
	// the thresholds crossed by this increment.
	// Returns shared.ErrNotFound when the counter does not exist.
	Increment(ctx context.Context, userID, periodID uuid.UUID, rt ResourceType, quantity int64, at time.Time) (*QuotaCounter, []AlertThreshold, error)
}

// BillingPeriodRepository persists billing periods
type BillingPeriodRepository interface {
	// Create inserts a new OPEN period. Fails with shared.ErrAlreadyExists
	// when the user already has an OPEN period.
	Create(ctx context.Context, period *BillingPeriod) error

	// FindByID returns a period by id, or shared.ErrNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*BillingPeriod, error)

	// FindOpenByUser returns the user's OPEN period, or shared.ErrNotFound
	FindOpenByUser(ctx context.Context, userID uuid.UUID) (*BillingPeriod, error)

	// LockOpenByUser returns the user's OPEN period and holds a share lock on
	// it until the surrounding transaction ends, so a concurrent close waits
	// for the caller to commit. Returns shared.ErrNotFound when no period is
	// OPEN by the time the lock is granted.
	LockOpenByUser(ctx context.Context, userID uuid.UUID) (*BillingPeriod, error)

	// FindLatestByUser returns the user's most recent period in any status
	FindLatestByUser(ctx context.Context, userID uuid.UUID) (*BillingPeriod, error)

	// FindExpiredOpen returns OPEN periods whose window ended at or before
	// now, in (EndsAt, ID) order and strictly after the cursor when one is given
	FindExpiredOpen(ctx context.Context, now time.Time, after *PeriodCursor, limit int) ([]*BillingPeriod, error)

	// FindClosedUninvoiced returns CLOSED periods still waiting for payment hand-off
	FindClosedUninvoiced(ctx context.Context, limit int) ([]*BillingPeriod, error)

	// TransitionStatus moves a period from one status to another only if it
	// is still in from. Returns false when another writer got there first.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to PeriodStatus, at time.Time) (bool, error)

	// SetPendingTier stores or clears (nil) the scheduled tier of an OPEN
	// period. Returns false when the period is no longer OPEN.
	SetPendingTier(ctx context.Context, id uuid.UUID, tier *TierID, at time.Time) (bool, error)
}

// InvoiceRepository persists overage invoices
type InvoiceRepository interface {
	// Create inserts an invoice. At most one invoice exists per period.
	Create(ctx context.Context, invoice *Invoice) error

	// Save updates payment status fields of an existing invoice
	Save(ctx context.Context, invoice *Invoice) error

	// FindByID returns an invoice by id, or shared.ErrNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*Invoice, error)

	// FindByPeriod returns the invoice of a period, or shared.ErrNotFound
	FindByPeriod(ctx context.Context, periodID uuid.UUID) (*Invoice, error)

	// FindByUser returns the user's invoices, newest first
	FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Invoice, error)
}
