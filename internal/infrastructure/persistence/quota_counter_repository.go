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

// QuotaCounterModel is the GORM model for per-period quota counters.
// A NULL limit_amount means the resource is unlimited for the period.
type QuotaCounterModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_quota_counters_key,priority:1"`
	PeriodID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_quota_counters_key,priority:2"`
	ResourceType  string    `gorm:"type:varchar(32);not null;uniqueIndex:uq_quota_counters_key,priority:3"`
	UsedAmount    int64     `gorm:"column:used_amount;not null;default:0"`
	LimitAmount   *int64    `gorm:"column:limit_amount"`
	CapPolicy     string    `gorm:"column:cap_policy;type:varchar(8);not null"`
	OverageAmount int64     `gorm:"column:overage_amount;not null;default:0"`
	Alerted80     bool      `gorm:"column:alerted_80;not null;default:false"`
	Alerted95     bool      `gorm:"column:alerted_95;not null;default:false"`
	Alerted100    bool      `gorm:"column:alerted_100;not null;default:false"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (QuotaCounterModel) TableName() string {
	return "quota_counters"
}

// ToEntity converts the model to a domain counter
func (m *QuotaCounterModel) ToEntity() *billing.QuotaCounter {
	limit := billing.Unlimited()
	if m.LimitAmount != nil {
		limit = billing.Limited(*m.LimitAmount)
	}
	return &billing.QuotaCounter{
		ID:           m.ID,
		UserID:       m.UserID,
		PeriodID:     m.PeriodID,
		ResourceType: billing.ResourceType(m.ResourceType),
		Used:         m.UsedAmount,
		Limit:        limit,
		Policy:       billing.CapPolicy(m.CapPolicy),
		Overage:      m.OverageAmount,
		Alerted80:    m.Alerted80,
		Alerted95:    m.Alerted95,
		Alerted100:   m.Alerted100,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

// QuotaCounterModelFromEntity creates a model from a domain counter
func QuotaCounterModelFromEntity(c *billing.QuotaCounter) *QuotaCounterModel {
	m := &QuotaCounterModel{
		ID:            c.ID,
		UserID:        c.UserID,
		PeriodID:      c.PeriodID,
		ResourceType:  c.ResourceType.String(),
		UsedAmount:    c.Used,
		CapPolicy:     string(c.Policy),
		OverageAmount: c.Overage,
		Alerted80:     c.Alerted80,
		Alerted95:     c.Alerted95,
		Alerted100:    c.Alerted100,
		UpdatedAt:     c.UpdatedAt,
	}
	if n, ok := c.Limit.Amount(); ok {
		m.LimitAmount = &n
	}
	return m
}

// GormQuotaCounterRepository implements billing.QuotaCounterRepository
type GormQuotaCounterRepository struct {
	db *gorm.DB
}

// NewGormQuotaCounterRepository creates a new counter repository
func NewGormQuotaCounterRepository(db *gorm.DB) *GormQuotaCounterRepository {
	return &GormQuotaCounterRepository{db: db}
}

// CreateAll inserts counters, ignoring keys that already exist
func (r *GormQuotaCounterRepository) CreateAll(ctx context.Context, counters []*billing.QuotaCounter) error {
	if len(counters) == 0 {
		return nil
	}
	models := make([]*QuotaCounterModel, len(counters))
	for i, c := range counters {
		models[i] = QuotaCounterModelFromEntity(c)
	}
	return dbFromContext(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "period_id"}, {Name: "resource_type"}},
			DoNothing: true,
		}).
		Create(&models).Error
}

// Find returns the counter for a key
func (r *GormQuotaCounterRepository) Find(ctx context.Context, userID, periodID uuid.UUID, rt billing.ResourceType) (*billing.QuotaCounter, error) {
	return r.find(dbFromContext(ctx, r.db), userID, periodID, rt)
}

// FindByPeriod returns all counters of a period ordered by resource type
func (r *GormQuotaCounterRepository) FindByPeriod(ctx context.Context, userID, periodID uuid.UUID) ([]*billing.QuotaCounter, error) {
	var models []QuotaCounterModel
	err := dbFromContext(ctx, r.db).
		Where("user_id = ? AND period_id = ?", userID, periodID).
		Order("resource_type ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	counters := make([]*billing.QuotaCounter, len(models))
	for i := range models {
		counters[i] = models[i].ToEntity()
	}
	return counters, nil
}

// Increment adds quantity with a single UPDATE so concurrent writers to the
// same key serialize on the row lock. Overage and alert flags are settled
// inside the same transaction, which keeps each alert firing exactly once.
func (r *GormQuotaCounterRepository) Increment(
	ctx context.Context,
	userID, periodID uuid.UUID,
	rt billing.ResourceType,
	quantity int64,
	at time.Time,
) (*billing.QuotaCounter, []billing.AlertThreshold, error) {
	var (
		counter *billing.QuotaCounter
		crossed []billing.AlertThreshold
	)
	err := inTransaction(ctx, r.db, func(tx *gorm.DB) error {
		result := tx.Model(&QuotaCounterModel{}).
			Where("user_id = ? AND period_id = ? AND resource_type = ?", userID, periodID, rt.String()).
			Updates(map[string]any{
				"used_amount": gorm.Expr("used_amount + ?", quantity),
				"updated_at":  at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return shared.ErrNotFound
		}

		c, err := r.find(tx, userID, periodID, rt)
		if err != nil {
			return err
		}
		before := c.Overage
		crossed = c.Settle()
		counter = c
		if len(crossed) == 0 && c.Overage == before {
			return nil
		}

		return tx.Model(&QuotaCounterModel{}).
			Where("id = ?", c.ID).
			Updates(map[string]any{
				"overage_amount": c.Overage,
				"alerted_80":     c.Alerted80,
				"alerted_95":     c.Alerted95,
				"alerted_100":    c.Alerted100,
			}).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return counter, crossed, nil
}

func (r *GormQuotaCounterRepository) find(db *gorm.DB, userID, periodID uuid.UUID, rt billing.ResourceType) (*billing.QuotaCounter, error) {
	var model QuotaCounterModel
	err := db.
		Where("user_id = ? AND period_id = ? AND resource_type = ?", userID, periodID, rt.String()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

var _ billing.QuotaCounterRepository = (*GormQuotaCounterRepository)(nil)
