package persistence

import (
	"context"

	"github.com/lexmeter/backend/internal/domain/shared"
	"gorm.io/gorm"
)

type txKey struct{}

// GormTransactor implements shared.Transactor. The transaction travels in the
// context so every repository called inside fn joins it.
type GormTransactor struct {
	db *gorm.DB
}

// NewGormTransactor creates a transactor over db
func NewGormTransactor(db *gorm.DB) *GormTransactor {
	return &GormTransactor{db: db}
}

// RunInTransaction runs fn in a transaction. Nested calls reuse the outer one.
func (t *GormTransactor) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// dbFromContext returns the transaction in ctx, or db bound to ctx
func dbFromContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// inTransaction runs fn on the transaction in ctx, or opens a new one
func inTransaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(tx.WithContext(ctx))
	}
	return db.WithContext(ctx).Transaction(fn)
}

var _ shared.Transactor = (*GormTransactor)(nil)
