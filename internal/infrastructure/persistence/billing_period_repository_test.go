package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestGormBillingPeriodRepository_Create(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	period := newOpenPeriod(t, billing.TierStarter, start)
	require.NoError(t, repo.Create(ctx, period))

	found, err := repo.FindByID(ctx, period.ID)
	require.NoError(t, err)
	assert.Equal(t, period.UserID, found.UserID)
	assert.Equal(t, billing.TierStarter, found.TierID)
	assert.Equal(t, billing.PeriodStatusOpen, found.Status)
	assert.True(t, start.Equal(found.StartsAt))
	assert.True(t, start.AddDate(0, 1, 0).Equal(found.EndsAt))
	require.NotNil(t, found.TrialEndsAt)
	assert.True(t, start.AddDate(0, 0, 14).Equal(*found.TrialEndsAt))

	t.Run("second open period for the same user is rejected", func(t *testing.T) {
		dup, err := billing.NewBillingPeriod(period.UserID, testTier(t, billing.TierStarter), start)
		require.NoError(t, err)
		assert.ErrorIs(t, repo.Create(ctx, dup), shared.ErrAlreadyExists)
	})

	t.Run("missing period returns not found", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
		_, err = repo.FindOpenByUser(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestGormBillingPeriodRepository_TransitionStatus(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	ctx := context.Background()

	period := newOpenPeriod(t, billing.TierProfessional, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, period))

	closedAt := time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC)
	ok, err := repo.TransitionStatus(ctx, period.ID, billing.PeriodStatusOpen, billing.PeriodStatusClosed, closedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionStatus(ctx, period.ID, billing.PeriodStatusOpen, billing.PeriodStatusClosed, closedAt)
	require.NoError(t, err)
	assert.False(t, ok, "a closed period cannot be closed again")

	found, err := repo.FindByID(ctx, period.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodStatusClosed, found.Status)
	require.NotNil(t, found.ClosedAt)
	assert.True(t, closedAt.Equal(*found.ClosedAt))
	assert.Equal(t, period.Version+1, found.Version)

	_, err = repo.FindOpenByUser(ctx, period.UserID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	t.Run("a new open period is allowed once the previous one closed", func(t *testing.T) {
		next, err := found.NextPeriod(testTier(t, billing.TierProfessional))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, next))

		latest, err := repo.FindLatestByUser(ctx, period.UserID)
		require.NoError(t, err)
		assert.Equal(t, next.ID, latest.ID)
	})

	t.Run("closed periods wait for invoicing", func(t *testing.T) {
		pending, err := repo.FindClosedUninvoiced(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, period.ID, pending[0].ID)

		ok, err := repo.TransitionStatus(ctx, period.ID, billing.PeriodStatusClosed, billing.PeriodStatusInvoiced, closedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		pending, err = repo.FindClosedUninvoiced(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestGormBillingPeriodRepository_ConcurrentClose(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	ctx := context.Background()

	period := newOpenPeriod(t, billing.TierPremium, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, period))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TransitionStatus(ctx, period.ID, billing.PeriodStatusOpen, billing.PeriodStatusClosed, time.Now().UTC())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestGormBillingPeriodRepository_FindExpiredOpen(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	ctx := context.Background()

	expired := newOpenPeriod(t, billing.TierStarter, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	current := newOpenPeriod(t, billing.TierStarter, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, expired))
	require.NoError(t, repo.Create(ctx, current))

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	found, err := repo.FindExpiredOpen(ctx, now, nil, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, expired.ID, found[0].ID)

	t.Run("window end is inclusive", func(t *testing.T) {
		found, err := repo.FindExpiredOpen(ctx, current.EndsAt, nil, 10)
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})

	t.Run("cursor skips rows already seen", func(t *testing.T) {
		cursor := expired.Cursor()
		found, err := repo.FindExpiredOpen(ctx, current.EndsAt, &cursor, 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, current.ID, found[0].ID)
	})
}

func TestGormBillingPeriodRepository_FindExpiredOpen_SameEndsAt(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for range 3 {
		require.NoError(t, repo.Create(ctx, newOpenPeriod(t, billing.TierStarter, start)))
	}
	now := start.AddDate(0, 2, 0)

	seen := make(map[uuid.UUID]struct{})
	var cursor *billing.PeriodCursor
	for {
		page, err := repo.FindExpiredOpen(ctx, now, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			_, dup := seen[p.ID]
			require.False(t, dup, "period %s returned twice", p.ID)
			seen[p.ID] = struct{}{}
		}
		c := page[len(page)-1].Cursor()
		cursor = &c
	}
	assert.Len(t, seen, 3)
}

func TestGormBillingPeriodRepository_LockOpenByUser(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	transactor := NewGormTransactor(db)
	ctx := context.Background()

	period := newOpenPeriod(t, billing.TierStarter, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, period))

	err := transactor.RunInTransaction(ctx, func(ctx context.Context) error {
		locked, err := repo.LockOpenByUser(ctx, period.UserID)
		require.NoError(t, err)
		assert.Equal(t, period.ID, locked.ID)
		return nil
	})
	require.NoError(t, err)

	_, err = repo.TransitionStatus(ctx, period.ID, billing.PeriodStatusOpen, billing.PeriodStatusClosed, time.Now().UTC())
	require.NoError(t, err)
	_, err = repo.LockOpenByUser(ctx, period.UserID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormBillingPeriodRepository_LockOpenByUser_SQL(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"}),
		&gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	repo := NewGormBillingPeriodRepository(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "billing_periods" WHERE .*user_id = \$1 AND status = \$2.*FOR SHARE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = repo.LockOpenByUser(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormBillingPeriodRepository_SetPendingTier(t *testing.T) {
	db := setupBillingTestDB(t)
	repo := NewGormBillingPeriodRepository(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	period := newOpenPeriod(t, billing.TierStarter, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Create(ctx, period))

	premium := billing.TierPremium
	ok, err := repo.SetPendingTier(ctx, period.ID, &premium, at)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := repo.FindByID(ctx, period.ID)
	require.NoError(t, err)
	require.NotNil(t, found.PendingTierID)
	assert.Equal(t, billing.TierPremium, *found.PendingTierID)
	assert.Equal(t, billing.TierPremium, found.RenewalTierID())

	ok, err = repo.SetPendingTier(ctx, period.ID, nil, at)
	require.NoError(t, err)
	assert.True(t, ok)
	found, err = repo.FindByID(ctx, period.ID)
	require.NoError(t, err)
	assert.Nil(t, found.PendingTierID)

	t.Run("closed period is left alone", func(t *testing.T) {
		_, err := repo.TransitionStatus(ctx, period.ID, billing.PeriodStatusOpen, billing.PeriodStatusClosed, at)
		require.NoError(t, err)
		ok, err := repo.SetPendingTier(ctx, period.ID, &premium, at)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGormBillingPeriodRepository_TransitionStatus_SQL(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"}),
		&gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	repo := NewGormBillingPeriodRepository(gormDB)

	id := uuid.New()
	mock.ExpectExec(`UPDATE "billing_periods" SET .*"closed_at".*WHERE .*id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.TransitionStatus(context.Background(), id, billing.PeriodStatusOpen, billing.PeriodStatusClosed, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
