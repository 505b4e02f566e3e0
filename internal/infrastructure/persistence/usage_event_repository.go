package persistence

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"gorm.io/gorm"
)

// DefaultLedgerBatchSize is the page size used when streaming the ledger
const DefaultLedgerBatchSize = 500

// UsageEventModel is the GORM model for the usage ledger
type UsageEventModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_events_ledger,priority:1"`
	PeriodID       uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_events_ledger,priority:2"`
	ResourceType   string    `gorm:"type:varchar(32);not null"`
	Quantity       int64     `gorm:"not null"`
	CostRelevant   bool      `gorm:"not null;default:true"`
	OccurredAt     time.Time `gorm:"not null;index:idx_usage_events_ledger,priority:3"`
	IdempotencyKey *string   `gorm:"type:varchar(128)"`
	RecordedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (UsageEventModel) TableName() string {
	return "usage_events"
}

// ToEntity converts the model to a domain event
func (m *UsageEventModel) ToEntity() *billing.UsageEvent {
	var key string
	if m.IdempotencyKey != nil {
		key = *m.IdempotencyKey
	}
	return billing.ReconstructUsageEvent(
		m.ID, m.UserID, m.PeriodID,
		billing.ResourceType(m.ResourceType),
		m.Quantity, m.CostRelevant,
		m.OccurredAt.UTC(), key, m.RecordedAt.UTC(),
	)
}

// UsageEventModelFromEntity creates a model from a domain event
func UsageEventModelFromEntity(e *billing.UsageEvent) *UsageEventModel {
	m := &UsageEventModel{
		ID:           e.ID(),
		UserID:       e.UserID(),
		PeriodID:     e.PeriodID(),
		ResourceType: e.ResourceType().String(),
		Quantity:     e.Quantity(),
		CostRelevant: e.CostRelevant(),
		OccurredAt:   e.OccurredAt(),
		RecordedAt:   e.RecordedAt(),
	}
	if k := e.IdempotencyKey(); k != "" {
		m.IdempotencyKey = &k
	}
	return m
}

// GormUsageLedger implements billing.UsageLedger on an append-only table
type GormUsageLedger struct {
	db        *gorm.DB
	batchSize int
}

// NewGormUsageLedger creates a ledger that streams queries in pages of batchSize
func NewGormUsageLedger(db *gorm.DB, batchSize int) *GormUsageLedger {
	if batchSize <= 0 {
		batchSize = DefaultLedgerBatchSize
	}
	return &GormUsageLedger{db: db, batchSize: batchSize}
}

// Append inserts the event. Storage errors are returned unchanged.
func (r *GormUsageLedger) Append(ctx context.Context, event *billing.UsageEvent) (uuid.UUID, error) {
	model := UsageEventModelFromEntity(event)
	if err := dbFromContext(ctx, r.db).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return uuid.Nil, shared.ErrAlreadyExists
		}
		return uuid.Nil, err
	}
	return model.ID, nil
}

// Query streams matching events ordered by (occurred_at, id) using keyset
// pagination, so memory stays bounded by one page. Each range over the
// returned sequence re-runs the query from the start.
func (r *GormUsageLedger) Query(ctx context.Context, q billing.LedgerQuery) iter.Seq2[*billing.UsageEvent, error] {
	return func(yield func(*billing.UsageEvent, error) bool) {
		var (
			afterTime time.Time
			afterID   uuid.UUID
			started   bool
		)
		for {
			query := dbFromContext(ctx, r.db).
				Where("user_id = ? AND period_id = ?", q.UserID, q.PeriodID)
			if q.ResourceType != nil {
				query = query.Where("resource_type = ?", q.ResourceType.String())
			}
			if started {
				query = query.Where("(occurred_at > ? OR (occurred_at = ? AND id > ?))", afterTime, afterTime, afterID)
			}

			var page []UsageEventModel
			if err := query.Order("occurred_at ASC").Order("id ASC").Limit(r.batchSize).Find(&page).Error; err != nil {
				yield(nil, err)
				return
			}

			for i := range page {
				if !yield(page[i].ToEntity(), nil) {
					return
				}
			}
			if len(page) < r.batchSize {
				return
			}

			last := page[len(page)-1]
			afterTime, afterID, started = last.OccurredAt, last.ID, true
		}
	}
}

// FindByIdempotencyKey returns the event appended under key
func (r *GormUsageLedger) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*billing.UsageEvent, error) {
	var model UsageEventModel
	err := dbFromContext(ctx, r.db).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

var _ billing.UsageLedger = (*GormUsageLedger)(nil)
