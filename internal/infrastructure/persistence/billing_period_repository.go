package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BillingPeriodModel is the GORM model for billing periods.
// A partial unique index on (user_id) WHERE status = 'OPEN' keeps one open
// period per user; it is created by the migrations.
type BillingPeriodModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	TierID        string     `gorm:"type:varchar(32);not null"`
	PendingTierID *string    `gorm:"column:pending_tier_id;type:varchar(32)"`
	StartsAt      time.Time  `gorm:"not null"`
	EndsAt        time.Time  `gorm:"not null;index"`
	TrialEndsAt   *time.Time
	Status        string     `gorm:"type:varchar(16);not null;index"`
	ClosedAt      *time.Time
	InvoicedAt    *time.Time
	Version       int        `gorm:"not null;default:1"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

// TableName returns the table name for the model
func (BillingPeriodModel) TableName() string {
	return "billing_periods"
}

// ToEntity converts the model to a domain period
func (m *BillingPeriodModel) ToEntity() *billing.BillingPeriod {
	var pending *billing.TierID
	if m.PendingTierID != nil {
		id := billing.TierID(*m.PendingTierID)
		pending = &id
	}
	return &billing.BillingPeriod{
		BaseAggregateRoot: shared.BaseAggregateRoot{
			BaseEntity: shared.BaseEntity{
				ID:        m.ID,
				CreatedAt: m.CreatedAt.UTC(),
				UpdatedAt: m.UpdatedAt.UTC(),
			},
			Version: m.Version,
		},
		UserID:      m.UserID,
		TierID:      billing.TierID(m.TierID),
		StartsAt:    m.StartsAt.UTC(),
		EndsAt:      m.EndsAt.UTC(),
		TrialEndsAt: utcPtr(m.TrialEndsAt),
		Status:      billing.PeriodStatus(m.Status),
		ClosedAt:    utcPtr(m.ClosedAt),
		InvoicedAt:  utcPtr(m.InvoicedAt),

		PendingTierID: pending,
	}
}

// BillingPeriodModelFromEntity creates a model from a domain period
func BillingPeriodModelFromEntity(p *billing.BillingPeriod) *BillingPeriodModel {
	return &BillingPeriodModel{
		ID:            p.ID,
		UserID:        p.UserID,
		TierID:        string(p.TierID),
		PendingTierID: tierIDPtr(p.PendingTierID),
		StartsAt:      p.StartsAt,
		EndsAt:        p.EndsAt,
		TrialEndsAt:   p.TrialEndsAt,
		Status:        p.Status.String(),
		ClosedAt:      p.ClosedAt,
		InvoicedAt:    p.InvoicedAt,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func tierIDPtr(id *billing.TierID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GormBillingPeriodRepository implements billing.BillingPeriodRepository
type GormBillingPeriodRepository struct {
	db *gorm.DB
}

// NewGormBillingPeriodRepository creates a new period repository
func NewGormBillingPeriodRepository(db *gorm.DB) *GormBillingPeriodRepository {
	return &GormBillingPeriodRepository{db: db}
}

// Create inserts a new period, rejecting a second OPEN period for the user
func (r *GormBillingPeriodRepository) Create(ctx context.Context, period *billing.BillingPeriod) error {
	db := dbFromContext(ctx, r.db)
	if period.IsOpen() {
		var count int64
		err := db.Model(&BillingPeriodModel{}).
			Where("user_id = ? AND status = ?", period.UserID, billing.PeriodStatusOpen.String()).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return shared.ErrAlreadyExists
		}
	}
	if err := db.Create(BillingPeriodModelFromEntity(period)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// FindByID returns a period by id
func (r *GormBillingPeriodRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.BillingPeriod, error) {
	return r.first(dbFromContext(ctx, r.db).Where("id = ?", id))
}

// FindOpenByUser returns the user's OPEN period
func (r *GormBillingPeriodRepository) FindOpenByUser(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	return r.first(dbFromContext(ctx, r.db).
		Where("user_id = ? AND status = ?", userID, billing.PeriodStatusOpen.String()))
}

// LockOpenByUser selects the user's OPEN period FOR SHARE. A closer's status
// UPDATE blocks until the caller's transaction ends; a caller that waited on
// a closer re-checks the status and finds nothing. SQLite ignores the lock.
func (r *GormBillingPeriodRepository) LockOpenByUser(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	return r.first(dbFromContext(ctx, r.db).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("user_id = ? AND status = ?", userID, billing.PeriodStatusOpen.String()))
}

// FindLatestByUser returns the user's most recently started period
func (r *GormBillingPeriodRepository) FindLatestByUser(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	return r.first(dbFromContext(ctx, r.db).
		Where("user_id = ?", userID).
		Order("starts_at DESC"))
}

// FindExpiredOpen returns OPEN periods whose window ended at or before now,
// oldest first, continuing after the given keyset position
func (r *GormBillingPeriodRepository) FindExpiredOpen(
	ctx context.Context,
	now time.Time,
	after *billing.PeriodCursor,
	limit int,
) ([]*billing.BillingPeriod, error) {
	query := dbFromContext(ctx, r.db).
		Where("status = ? AND ends_at <= ?", billing.PeriodStatusOpen.String(), now.UTC())
	if after != nil {
		query = query.Where("(ends_at > ? OR (ends_at = ? AND id > ?))", after.EndsAt.UTC(), after.EndsAt.UTC(), after.ID)
	}
	return r.find(query.Order("ends_at ASC, id ASC").Limit(limit))
}

// FindClosedUninvoiced returns CLOSED periods, oldest close first
func (r *GormBillingPeriodRepository) FindClosedUninvoiced(ctx context.Context, limit int) ([]*billing.BillingPeriod, error) {
	return r.find(dbFromContext(ctx, r.db).
		Where("status = ?", billing.PeriodStatusClosed.String()).
		Order("closed_at ASC").
		Limit(limit))
}

// TransitionStatus performs a compare-and-set on the status column. The
// matching timestamp column is stamped with at.
func (r *GormBillingPeriodRepository) TransitionStatus(
	ctx context.Context,
	id uuid.UUID,
	from, to billing.PeriodStatus,
	at time.Time,
) (bool, error) {
	updates := map[string]any{
		"status":     to.String(),
		"version":    gorm.Expr("version + 1"),
		"updated_at": at,
	}
	switch to {
	case billing.PeriodStatusClosed:
		updates["closed_at"] = at
	case billing.PeriodStatusInvoiced:
		updates["invoiced_at"] = at
	}

	result := dbFromContext(ctx, r.db).
		Model(&BillingPeriodModel{}).
		Where("id = ? AND status = ?", id, from.String()).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetPendingTier stores the scheduled tier of an OPEN period, nil clears it
func (r *GormBillingPeriodRepository) SetPendingTier(
	ctx context.Context,
	id uuid.UUID,
	tier *billing.TierID,
	at time.Time,
) (bool, error) {
	result := dbFromContext(ctx, r.db).
		Model(&BillingPeriodModel{}).
		Where("id = ? AND status = ?", id, billing.PeriodStatusOpen.String()).
		Updates(map[string]any{
			"pending_tier_id": tierIDPtr(tier),
			"version":         gorm.Expr("version + 1"),
			"updated_at":      at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormBillingPeriodRepository) first(query *gorm.DB) (*billing.BillingPeriod, error) {
	var model BillingPeriodModel
	if err := query.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

func (r *GormBillingPeriodRepository) find(query *gorm.DB) ([]*billing.BillingPeriod, error) {
	var models []BillingPeriodModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	periods := make([]*billing.BillingPeriod, len(models))
	for i := range models {
		periods[i] = models[i].ToEntity()
	}
	return periods, nil
}

var _ billing.BillingPeriodRepository = (*GormBillingPeriodRepository)(nil)
