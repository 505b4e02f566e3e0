package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceModel is the GORM model for overage invoices
type InvoiceModel struct {
	ID             uuid.UUID             `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID             `gorm:"type:uuid;not null;index"`
	PeriodID       uuid.UUID             `gorm:"type:uuid;not null;uniqueIndex"`
	TierID         string                `gorm:"type:varchar(32);not null"`
	Lines          []billing.InvoiceLine `gorm:"type:jsonb;serializer:json"`
	TotalAmount    decimal.Decimal       `gorm:"type:decimal(20,8);not null"`
	Currency       string                `gorm:"type:varchar(3);not null"`
	PaymentStatus  string                `gorm:"type:varchar(16);not null;index"`
	ProcessorRef   string                `gorm:"type:varchar(128)"`
	FailureReason  string                `gorm:"type:text"`
	SubmitAttempts int                   `gorm:"not null;default:0"`
	CreatedAt      time.Time             `gorm:"not null"`
	UpdatedAt      time.Time             `gorm:"not null"`
}

// TableName returns the table name for the model
func (InvoiceModel) TableName() string {
	return "invoices"
}

// ToEntity converts the model to a domain invoice
func (m *InvoiceModel) ToEntity() (*billing.Invoice, error) {
	total, err := valueobject.NewMoney(m.TotalAmount, valueobject.Currency(m.Currency))
	if err != nil {
		return nil, err
	}
	lines := m.Lines
	if lines == nil {
		lines = make([]billing.InvoiceLine, 0)
	}
	return &billing.Invoice{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		UserID:         m.UserID,
		PeriodID:       m.PeriodID,
		TierID:         billing.TierID(m.TierID),
		Lines:          lines,
		Total:          total,
		PaymentStatus:  billing.PaymentStatus(m.PaymentStatus),
		ProcessorRef:   m.ProcessorRef,
		FailureReason:  m.FailureReason,
		SubmitAttempts: m.SubmitAttempts,
	}, nil
}

// InvoiceModelFromEntity creates a model from a domain invoice
func InvoiceModelFromEntity(i *billing.Invoice) *InvoiceModel {
	return &InvoiceModel{
		ID:             i.ID,
		UserID:         i.UserID,
		PeriodID:       i.PeriodID,
		TierID:         string(i.TierID),
		Lines:          i.Lines,
		TotalAmount:    i.Total.Amount(),
		Currency:       string(i.Total.Currency()),
		PaymentStatus:  i.PaymentStatus.String(),
		ProcessorRef:   i.ProcessorRef,
		FailureReason:  i.FailureReason,
		SubmitAttempts: i.SubmitAttempts,
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	}
}

// GormInvoiceRepository implements billing.InvoiceRepository
type GormInvoiceRepository struct {
	db *gorm.DB
}

// NewGormInvoiceRepository creates a new invoice repository
func NewGormInvoiceRepository(db *gorm.DB) *GormInvoiceRepository {
	return &GormInvoiceRepository{db: db}
}

// Create inserts an invoice; a second invoice for the same period is rejected
func (r *GormInvoiceRepository) Create(ctx context.Context, invoice *billing.Invoice) error {
	db := dbFromContext(ctx, r.db)
	var count int64
	if err := db.Model(&InvoiceModel{}).Where("period_id = ?", invoice.PeriodID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return shared.ErrAlreadyExists
	}
	if err := db.Create(InvoiceModelFromEntity(invoice)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Save updates the payment fields of an invoice. Lines and total never change.
func (r *GormInvoiceRepository) Save(ctx context.Context, invoice *billing.Invoice) error {
	result := dbFromContext(ctx, r.db).
		Model(&InvoiceModel{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"payment_status":  invoice.PaymentStatus.String(),
			"processor_ref":   invoice.ProcessorRef,
			"failure_reason":  invoice.FailureReason,
			"submit_attempts": invoice.SubmitAttempts,
			"updated_at":      invoice.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindByID returns an invoice by id
func (r *GormInvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	return r.first(dbFromContext(ctx, r.db).Where("id = ?", id))
}

// FindByPeriod returns the invoice of a period
func (r *GormInvoiceRepository) FindByPeriod(ctx context.Context, periodID uuid.UUID) (*billing.Invoice, error) {
	return r.first(dbFromContext(ctx, r.db).Where("period_id = ?", periodID))
}

// FindByUser returns the user's invoices, newest first
func (r *GormInvoiceRepository) FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*billing.Invoice, error) {
	var models []InvoiceModel
	err := dbFromContext(ctx, r.db).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	invoices := make([]*billing.Invoice, 0, len(models))
	for i := range models {
		inv, err := models[i].ToEntity()
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

func (r *GormInvoiceRepository) first(query *gorm.DB) (*billing.Invoice, error) {
	var model InvoiceModel
	if err := query.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity()
}

var _ billing.InvoiceRepository = (*GormInvoiceRepository)(nil)
