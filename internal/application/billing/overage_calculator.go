package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// OverageCalculator closes billing periods and produces their overage invoices
type OverageCalculator struct {
	periods   billing.BillingPeriodRepository
	invoices  billing.InvoiceRepository
	ledger    billing.UsageLedger
	tracker   *QuotaTracker
	catalog   *billing.TierCatalog
	processor PaymentProcessor
	txManager shared.Transactor
	publisher shared.EventPublisher
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// OverageCalculatorConfig contains the dependencies of OverageCalculator
type OverageCalculatorConfig struct {
	Periods   billing.BillingPeriodRepository
	Invoices  billing.InvoiceRepository
	Ledger    billing.UsageLedger
	Tracker   *QuotaTracker
	Catalog   *billing.TierCatalog
	Processor PaymentProcessor
	TxManager shared.Transactor
	Publisher shared.EventPublisher
	Metrics   Metrics
	Logger    *zap.Logger
}

// NewOverageCalculator creates a new OverageCalculator
func NewOverageCalculator(cfg OverageCalculatorConfig) *OverageCalculator {
	c := &OverageCalculator{
		periods:   cfg.Periods,
		invoices:  cfg.Invoices,
		ledger:    cfg.Ledger,
		tracker:   cfg.Tracker,
		catalog:   cfg.Catalog,
		processor: cfg.Processor,
		txManager: cfg.TxManager,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if c.txManager == nil {
		c.txManager = shared.NoopTransactor{}
	}
	if c.metrics == nil {
		c.metrics = NoopMetrics{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// ClosePeriod moves an OPEN period to CLOSED and stores its invoice in the
// same transaction. Closing twice returns *billing.PeriodAlreadyClosedError.
func (c *OverageCalculator) ClosePeriod(ctx context.Context, userID, periodID uuid.UUID) (*billing.Invoice, error) {
	_, invoice, err := c.closeWith(ctx, userID, periodID, nil)
	return invoice, err
}

// closeWith closes the period and runs then in the same transaction, so a
// failure in then leaves the period OPEN. Events go out after commit.
func (c *OverageCalculator) closeWith(
	ctx context.Context,
	userID, periodID uuid.UUID,
	then func(ctx context.Context, closed *billing.BillingPeriod) error,
) (*billing.BillingPeriod, *billing.Invoice, error) {
	started := time.Now()

	var (
		period  *billing.BillingPeriod
		invoice *billing.Invoice
	)
	err := c.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		period, invoice, err = c.closeInTx(ctx, userID, periodID)
		if err != nil || then == nil {
			return err
		}
		return then(ctx, period)
	})
	c.metrics.RecordClosePeriod(ctx, time.Since(started), err)
	if err != nil {
		var closed *billing.PeriodAlreadyClosedError
		if errors.As(err, &closed) {
			c.logger.Error("billing period already closed",
				zap.String("user_id", userID.String()),
				zap.String("period_id", periodID.String()),
				zap.String("status", closed.Status.String()))
		}
		return nil, nil, err
	}

	c.afterClose(ctx, period, invoice)
	return period, invoice, nil
}

// closeInTx runs the close inside the caller's transaction and publishes nothing
func (c *OverageCalculator) closeInTx(
	ctx context.Context,
	userID, periodID uuid.UUID,
) (*billing.BillingPeriod, *billing.Invoice, error) {
	period, err := c.loadPeriod(ctx, userID, periodID)
	if err != nil {
		return nil, nil, err
	}
	if !period.IsOpen() {
		return nil, nil, &billing.PeriodAlreadyClosedError{PeriodID: period.ID, Status: period.Status}
	}

	at := c.now()
	ok, err := c.periods.TransitionStatus(ctx, period.ID, billing.PeriodStatusOpen, billing.PeriodStatusClosed, at)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to close billing period: %w", err)
	}
	if !ok {
		// Another writer closed it between our read and the update
		return nil, nil, &billing.PeriodAlreadyClosedError{PeriodID: period.ID, Status: billing.PeriodStatusClosed}
	}
	if err := period.Close(at); err != nil {
		return nil, nil, err
	}

	tier, err := c.catalog.GetTier(period.TierID)
	if err != nil {
		return nil, nil, err
	}
	counters, err := c.tracker.Counters(ctx, period.UserID, period.ID)
	if err != nil {
		return nil, nil, err
	}
	invoice, err := billing.NewInvoice(period, tier, counters)
	if err != nil {
		return nil, nil, err
	}
	if err := c.invoices.Create(ctx, invoice); err != nil {
		return nil, nil, fmt.Errorf("failed to save invoice: %w", err)
	}
	return period, invoice, nil
}

// afterClose runs once the closing transaction has committed
func (c *OverageCalculator) afterClose(ctx context.Context, period *billing.BillingPeriod, invoice *billing.Invoice) {
	if invoice.Total.IsPositive() {
		c.metrics.RecordOverage(ctx, invoice.TierID, invoice.Total.Cents())
	}
	c.logger.Info("billing period closed",
		zap.String("user_id", period.UserID.String()),
		zap.String("period_id", period.ID.String()),
		zap.String("tier_id", period.TierID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("total", invoice.Total.String()),
		zap.Int("lines", len(invoice.Lines)))
	c.publish(ctx, billing.NewPeriodClosedEvent(period, invoice))
}

// ReplayInvoice recomputes a period's invoice from the ledger alone. The
// result is never stored; compare it with SameCharges.
func (c *OverageCalculator) ReplayInvoice(ctx context.Context, userID, periodID uuid.UUID) (*billing.Invoice, error) {
	period, err := c.loadPeriod(ctx, userID, periodID)
	if err != nil {
		return nil, err
	}
	tier, err := c.catalog.GetTier(period.TierID)
	if err != nil {
		return nil, err
	}

	events := c.ledger.Query(ctx, billing.LedgerQuery{UserID: period.UserID, PeriodID: period.ID})
	counters, err := billing.ReplayCounters(period, tier, events)
	if err != nil {
		return nil, fmt.Errorf("failed to replay usage ledger: %w", err)
	}
	return billing.NewInvoice(period, tier, counters)
}

// SubmitInvoice hands a closed period's invoice to the payment processor and
// marks the period INVOICED. A failed hand-off leaves the period CLOSED so the
// next sweep retries it.
func (c *OverageCalculator) SubmitInvoice(ctx context.Context, periodID uuid.UUID) (*billing.Invoice, error) {
	invoice, err := c.invoices.FindByPeriod(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}

	if invoice.IsChargeable() {
		if c.processor == nil {
			return nil, shared.NewDomainError("NO_PAYMENT_PROCESSOR", "No payment processor is configured")
		}
		ref, submitErr := c.processor.SubmitOverage(ctx, invoice)
		if submitErr != nil {
			invoice.MarkSubmitFailed(submitErr.Error(), c.now())
			if err := c.invoices.Save(ctx, invoice); err != nil {
				c.logger.Error("failed to record submit failure",
					zap.String("invoice_id", invoice.ID.String()),
					zap.Error(err))
			}
			return invoice, fmt.Errorf("failed to submit overage: %w", submitErr)
		}
		invoice.MarkSubmitted(ref, c.now())
		if err := c.invoices.Save(ctx, invoice); err != nil {
			return invoice, fmt.Errorf("failed to save invoice: %w", err)
		}
	}

	if err := c.MarkInvoiced(ctx, periodID, invoice.ProcessorRef); err != nil {
		return invoice, err
	}
	return invoice, nil
}

// MarkInvoiced moves a period CLOSED -> INVOICED
func (c *OverageCalculator) MarkInvoiced(ctx context.Context, periodID uuid.UUID, processorRef string) error {
	ok, err := c.periods.TransitionStatus(ctx, periodID, billing.PeriodStatusClosed, billing.PeriodStatusInvoiced, c.now())
	if err != nil {
		return fmt.Errorf("failed to mark billing period invoiced: %w", err)
	}
	if !ok {
		period, err := c.periods.FindByID(ctx, periodID)
		if err != nil {
			return fmt.Errorf("failed to load billing period: %w", err)
		}
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot invoice billing period in %s status", period.Status))
	}

	c.logger.Info("billing period invoiced",
		zap.String("period_id", periodID.String()),
		zap.String("processor_ref", processorRef))
	return nil
}

func (c *OverageCalculator) loadPeriod(ctx context.Context, userID, periodID uuid.UUID) (*billing.BillingPeriod, error) {
	period, err := c.periods.FindByID(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if period.UserID != userID {
		return nil, shared.ErrNotFound
	}
	return period, nil
}

func (c *OverageCalculator) publish(ctx context.Context, events ...shared.DomainEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, events...); err != nil {
		c.logger.Error("failed to publish billing events", zap.Error(err))
	}
}
