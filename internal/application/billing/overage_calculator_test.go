package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOverageCalculator_ClosePeriod_Professional(t *testing.T) {
	f := newFixture(t)
	userID, period := f.subscribe(t, billing.TierProfessional)
	f.consume(t, userID, billing.ResourceVideo, 27)
	f.consume(t, userID, billing.ResourceAITokens, 1_200_000)
	f.consume(t, userID, billing.ResourceSearchQuery, 5_000)

	invoice, err := f.calculator.ClosePeriod(context.Background(), userID, period.ID)
	require.NoError(t, err)

	require.Len(t, invoice.Lines, 2)
	assert.Equal(t, billing.ResourceVideo, invoice.Lines[0].ResourceType)
	assert.Equal(t, int64(2), invoice.Lines[0].OverageQuantity)
	assert.Equal(t, int64(300), invoice.Lines[0].Amount.Cents())
	assert.Equal(t, billing.ResourceAITokens, invoice.Lines[1].ResourceType)
	assert.Equal(t, int64(200_000), invoice.Lines[1].OverageQuantity)
	assert.Equal(t, int64(400), invoice.Lines[1].Amount.Cents())
	assert.Equal(t, int64(700), invoice.Total.Cents())
	assert.Equal(t, billing.PaymentStatusPending, invoice.PaymentStatus)

	assert.Equal(t, billing.PeriodStatusClosed, f.periods.status(t, period.ID))
	stored, err := f.invoices.FindByPeriod(context.Background(), period.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, stored.ID)

	closed := f.publisher.ofType(billing.EventTypePeriodClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, invoice.ID, closed[0].(*billing.PeriodClosedEvent).InvoiceID)
}

func TestOverageCalculator_ClosePeriod_Twice(t *testing.T) {
	f := newFixture(t)
	userID, period := f.subscribe(t, billing.TierPremium)
	f.consume(t, userID, billing.ResourceVideo, 101)
	ctx := context.Background()

	first, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", first.Total.Amount().String())

	second, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
	assert.Nil(t, second)
	var closedErr *billing.PeriodAlreadyClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.Equal(t, period.ID, closedErr.PeriodID)
	assert.Equal(t, billing.PeriodStatusClosed, closedErr.Status)

	assert.Len(t, f.publisher.ofType(billing.EventTypePeriodClosed), 1)
}

func TestOverageCalculator_ClosePeriod_HardTierHasNothingToCharge(t *testing.T) {
	f := newFixture(t)
	userID, period := f.subscribe(t, billing.TierStarter)
	f.consume(t, userID, billing.ResourceVideo, 10)

	invoice, err := f.calculator.ClosePeriod(context.Background(), userID, period.ID)

	require.NoError(t, err)
	assert.Empty(t, invoice.Lines)
	assert.True(t, invoice.Total.IsZero())
	assert.Equal(t, billing.PaymentStatusNotRequired, invoice.PaymentStatus)
	assert.False(t, invoice.IsChargeable())
}

func TestOverageCalculator_ClosePeriod_Errors(t *testing.T) {
	f := newFixture(t)
	userID, period := f.subscribe(t, billing.TierProfessional)
	ctx := context.Background()

	t.Run("unknown period", func(t *testing.T) {
		_, err := f.calculator.ClosePeriod(ctx, userID, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("period of another user", func(t *testing.T) {
		_, err := f.calculator.ClosePeriod(ctx, uuid.New(), period.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
		assert.Equal(t, billing.PeriodStatusOpen, f.periods.status(t, period.ID))
	})

	t.Run("counter storage failure", func(t *testing.T) {
		f.counters.failWith = errors.New("connection reset")
		defer func() { f.counters.failWith = nil }()

		_, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
		assert.ErrorContains(t, err, "connection reset")
		assert.Empty(t, f.publisher.ofType(billing.EventTypePeriodClosed))
	})
}

func TestOverageCalculator_ReplayInvoice_MatchesStoredInvoice(t *testing.T) {
	f := newFixture(t)
	userID, period := f.subscribe(t, billing.TierProfessional)
	for range 6 {
		f.consume(t, userID, billing.ResourceVideo, 5)
	}
	f.consume(t, userID, billing.ResourceDocument, 499)
	f.consume(t, userID, billing.ResourceDocument, 3)
	f.consume(t, userID, billing.ResourceTranscriptionSeconds, 18_600)
	ctx := context.Background()

	stored, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
	require.NoError(t, err)

	replayed, err := f.calculator.ReplayInvoice(ctx, userID, period.ID)
	require.NoError(t, err)

	assert.True(t, stored.SameCharges(replayed))
	assert.NotEqual(t, stored.ID, replayed.ID)
	require.Len(t, replayed.Lines, 3)
	// 5 videos at 1.50, 2 documents at 0.10, 600 seconds at 0.0025
	assert.Equal(t, int64(920), replayed.Total.Cents())
}

func TestOverageCalculator_ReplayInvoice_IgnoresOtherPeriods(t *testing.T) {
	f := newFixture(t)
	userID, period := f.subscribe(t, billing.TierProfessional)
	f.consume(t, userID, billing.ResourceVideo, 26)
	ctx := context.Background()

	renewal, err := f.periodSvc.Renew(ctx, period)
	require.NoError(t, err)
	next := renewal.NewPeriod
	f.consume(t, userID, billing.ResourceVideo, 40)

	replayed, err := f.calculator.ReplayInvoice(ctx, userID, period.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), replayed.Total.Cents())

	current, err := f.calculator.ReplayInvoice(ctx, userID, next.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2250), current.Total.Cents())
}

func TestOverageCalculator_SubmitInvoice(t *testing.T) {
	ctx := context.Background()

	t.Run("chargeable invoice is submitted then invoiced", func(t *testing.T) {
		f := newFixture(t)
		userID, period := f.subscribe(t, billing.TierProfessional)
		f.consume(t, userID, billing.ResourceVideo, 27)
		_, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
		require.NoError(t, err)

		f.processor.On("SubmitOverage", mock.Anything, mock.MatchedBy(func(inv *billing.Invoice) bool {
			return inv.PeriodID == period.ID && inv.Total.Cents() == 300
		})).Return("ii_123", nil).Once()

		invoice, err := f.calculator.SubmitInvoice(ctx, period.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentStatusSubmitted, invoice.PaymentStatus)
		assert.Equal(t, "ii_123", invoice.ProcessorRef)
		assert.Equal(t, 1, invoice.SubmitAttempts)
		assert.Equal(t, billing.PeriodStatusInvoiced, f.periods.status(t, period.ID))
		f.processor.AssertExpectations(t)
	})

	t.Run("processor failure leaves the period closed", func(t *testing.T) {
		f := newFixture(t)
		userID, period := f.subscribe(t, billing.TierProfessional)
		f.consume(t, userID, billing.ResourceVideo, 27)
		_, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
		require.NoError(t, err)

		f.processor.On("SubmitOverage", mock.Anything, mock.Anything).
			Return("", errors.New("card_declined")).Once()

		invoice, err := f.calculator.SubmitInvoice(ctx, period.ID)
		require.Error(t, err)
		assert.Equal(t, billing.PaymentStatusPending, invoice.PaymentStatus)
		assert.Equal(t, billing.PeriodStatusClosed, f.periods.status(t, period.ID))

		stored, err := f.invoices.FindByPeriod(ctx, period.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.SubmitAttempts)
		assert.Equal(t, "card_declined", stored.FailureReason)
	})

	t.Run("nothing to charge skips the processor", func(t *testing.T) {
		f := newFixture(t)
		userID, period := f.subscribe(t, billing.TierEnterprise)
		f.consume(t, userID, billing.ResourceVideo, 1_000)
		_, err := f.calculator.ClosePeriod(ctx, userID, period.ID)
		require.NoError(t, err)

		invoice, err := f.calculator.SubmitInvoice(ctx, period.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentStatusNotRequired, invoice.PaymentStatus)
		assert.Equal(t, billing.PeriodStatusInvoiced, f.periods.status(t, period.ID))
		f.processor.AssertNotCalled(t, "SubmitOverage", mock.Anything, mock.Anything)
	})

	t.Run("open period has no invoice", func(t *testing.T) {
		f := newFixture(t)
		_, period := f.subscribe(t, billing.TierProfessional)

		_, err := f.calculator.SubmitInvoice(ctx, period.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestOverageCalculator_MarkInvoiced_RequiresClosedPeriod(t *testing.T) {
	f := newFixture(t)
	_, period := f.subscribe(t, billing.TierProfessional)

	err := f.calculator.MarkInvoiced(context.Background(), period.ID, "")

	assert.ErrorIs(t, err, shared.ErrInvalidState)
	assert.Contains(t, err.Error(), "OPEN")
	assert.Equal(t, billing.PeriodStatusOpen, f.periods.status(t, period.ID))
}
