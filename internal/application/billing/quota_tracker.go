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

// QuotaTracker maintains per-period counters and answers remaining-quota queries
type QuotaTracker struct {
	counters  billing.QuotaCounterRepository
	periods   billing.BillingPeriodRepository
	catalog   *billing.TierCatalog
	publisher shared.EventPublisher
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewQuotaTracker creates a new QuotaTracker
func NewQuotaTracker(
	counters billing.QuotaCounterRepository,
	periods billing.BillingPeriodRepository,
	catalog *billing.TierCatalog,
	publisher shared.EventPublisher,
	metrics Metrics,
	logger *zap.Logger,
) *QuotaTracker {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &QuotaTracker{
		counters:  counters,
		periods:   periods,
		catalog:   catalog,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureCounters creates the zeroed counters of a period, copying each
// resource's limit and cap policy from tier. Existing counters are kept.
func (t *QuotaTracker) EnsureCounters(ctx context.Context, period *billing.BillingPeriod, tier billing.TierDefinition) error {
	resources := billing.AllResourceTypes()
	counters := make([]*billing.QuotaCounter, 0, len(resources))
	for _, rt := range resources {
		counters = append(counters, billing.NewQuotaCounter(period, tier, rt))
	}
	if err := t.counters.CreateAll(ctx, counters); err != nil {
		return fmt.Errorf("failed to create quota counters: %w", err)
	}
	return nil
}

// GetRemaining returns what is left of the resource's quota and the overage so far.
// Before the first usage the limit comes from the period's tier.
func (t *QuotaTracker) GetRemaining(
	ctx context.Context,
	userID, periodID uuid.UUID,
	rt billing.ResourceType,
) (billing.Remaining, int64, error) {
	counter, err := t.Counter(ctx, userID, periodID, rt)
	if err != nil {
		return billing.Remaining{}, 0, err
	}
	return counter.Remaining(), counter.Overage, nil
}

// Counter returns the counter for a key. Before the first usage it returns a
// zeroed counter built from the period's tier; the zeroed counter is not stored.
func (t *QuotaTracker) Counter(
	ctx context.Context,
	userID, periodID uuid.UUID,
	rt billing.ResourceType,
) (*billing.QuotaCounter, error) {
	counter, err := t.counters.Find(ctx, userID, periodID, rt)
	if err == nil {
		return counter, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("failed to load quota counter: %w", err)
	}

	period, err := t.periods.FindByID(ctx, periodID)
	if err != nil {
		return nil, fmt.Errorf("failed to load billing period: %w", err)
	}
	if period.UserID != userID {
		return nil, shared.ErrNotFound
	}
	tier, err := t.catalog.GetTier(period.TierID)
	if err != nil {
		return nil, err
	}
	return billing.NewQuotaCounter(period, tier, rt), nil
}

// RecordUsage adds quantity to the counter and publishes any alert it crosses.
// It is not idempotent: callers deduplicate before calling.
func (t *QuotaTracker) RecordUsage(
	ctx context.Context,
	userID, periodID uuid.UUID,
	rt billing.ResourceType,
	quantity int64,
) (*billing.QuotaCounter, error) {
	counter, crossed, err := t.Record(ctx, userID, periodID, rt, quantity)
	if err != nil {
		return nil, err
	}
	t.PublishAlerts(ctx, counter, crossed)
	return counter, nil
}

// Record adds quantity to the counter without publishing alerts. Callers
// running inside a transaction publish the returned thresholds after commit.
func (t *QuotaTracker) Record(
	ctx context.Context,
	userID, periodID uuid.UUID,
	rt billing.ResourceType,
	quantity int64,
) (*billing.QuotaCounter, []billing.AlertThreshold, error) {
	if !rt.IsValid() {
		return nil, nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", fmt.Sprintf("invalid resource type: %s", rt))
	}
	if quantity < 0 {
		return nil, nil, shared.NewDomainError("INVALID_QUANTITY", "Quantity cannot be negative")
	}

	counter, crossed, err := t.counters.Increment(ctx, userID, periodID, rt, quantity, t.now())
	if errors.Is(err, shared.ErrNotFound) {
		// Counters of periods opened before this resource existed are created lazily
		if err = t.ensureCountersFor(ctx, userID, periodID); err != nil {
			return nil, nil, err
		}
		counter, crossed, err = t.counters.Increment(ctx, userID, periodID, rt, quantity, t.now())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record usage: %w", err)
	}

	t.metrics.RecordUsage(ctx, rt, quantity)
	t.logger.Debug("usage recorded",
		zap.String("user_id", userID.String()),
		zap.String("period_id", periodID.String()),
		zap.String("resource_type", rt.String()),
		zap.Int64("quantity", quantity),
		zap.Int64("used", counter.Used),
		zap.Int64("overage", counter.Overage))
	return counter, crossed, nil
}

// PublishAlerts emits one AlertRaised event per crossed threshold
func (t *QuotaTracker) PublishAlerts(ctx context.Context, counter *billing.QuotaCounter, crossed []billing.AlertThreshold) {
	if len(crossed) == 0 {
		return
	}
	events := make([]shared.DomainEvent, 0, len(crossed))
	for _, th := range crossed {
		t.metrics.RecordAlert(ctx, counter.ResourceType, th)
		t.logger.Warn("quota alert raised",
			zap.String("user_id", counter.UserID.String()),
			zap.String("period_id", counter.PeriodID.String()),
			zap.String("resource_type", counter.ResourceType.String()),
			zap.Int("threshold", int(th)),
			zap.Int64("used", counter.Used),
			zap.Stringer("limit", counter.Limit))
		events = append(events, billing.NewAlertRaisedEvent(counter, th))
	}
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, events...); err != nil {
		t.logger.Error("failed to publish quota alerts",
			zap.String("user_id", counter.UserID.String()),
			zap.Error(err))
	}
}

// Counters returns every counter of the period
func (t *QuotaTracker) Counters(ctx context.Context, userID, periodID uuid.UUID) ([]*billing.QuotaCounter, error) {
	counters, err := t.counters.FindByPeriod(ctx, userID, periodID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota counters: %w", err)
	}
	return counters, nil
}

func (t *QuotaTracker) ensureCountersFor(ctx context.Context, userID, periodID uuid.UUID) error {
	period, err := t.periods.FindByID(ctx, periodID)
	if err != nil {
		return fmt.Errorf("failed to load billing period: %w", err)
	}
	if period.UserID != userID {
		return shared.ErrNotFound
	}
	tier, err := t.catalog.GetTier(period.TierID)
	if err != nil {
		return err
	}
	return t.EnsureCounters(ctx, period, tier)
}
