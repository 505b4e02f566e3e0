package persistence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupBillingTestDB opens an in-memory SQLite database with the metering schema.
// A single connection is kept so transactions carried in the context see the same database.
func setupBillingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&UsageEventModel{},
		&QuotaCounterModel{},
		&BillingPeriodModel{},
		&InvoiceModel{},
	)
	require.NoError(t, err)

	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX uq_billing_periods_open_user ON billing_periods (user_id) WHERE status = 'OPEN'`,
	).Error)
	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX uq_usage_events_idempotency ON usage_events (user_id, idempotency_key)`,
	).Error)

	return db
}

func testTier(t *testing.T, id billing.TierID) billing.TierDefinition {
	t.Helper()
	tier, err := billing.DefaultTierCatalog().GetTier(id)
	require.NoError(t, err)
	return tier
}

func newOpenPeriod(t *testing.T, tierID billing.TierID, start time.Time) *billing.BillingPeriod {
	t.Helper()
	p, err := billing.NewBillingPeriod(uuid.New(), testTier(t, tierID), start)
	require.NoError(t, err)
	return p
}
