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

// PeriodService manages the subscription lifecycle of billing periods
type PeriodService struct {
	periods    billing.BillingPeriodRepository
	tracker    *QuotaTracker
	calculator *OverageCalculator
	catalog    *billing.TierCatalog
	txManager  shared.Transactor
	publisher  shared.EventPublisher
	logger     *zap.Logger
}

// PeriodServiceConfig contains the dependencies of PeriodService
type PeriodServiceConfig struct {
	Periods    billing.BillingPeriodRepository
	Tracker    *QuotaTracker
	Calculator *OverageCalculator
	Catalog    *billing.TierCatalog
	TxManager  shared.Transactor
	Publisher  shared.EventPublisher
	Logger     *zap.Logger
}

// NewPeriodService creates a new PeriodService
func NewPeriodService(cfg PeriodServiceConfig) *PeriodService {
	s := &PeriodService{
		periods:    cfg.Periods,
		tracker:    cfg.Tracker,
		calculator: cfg.Calculator,
		catalog:    cfg.Catalog,
		txManager:  cfg.TxManager,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
	}
	if s.txManager == nil {
		s.txManager = shared.NoopTransactor{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// TierChange is the result of ChangeTier
type TierChange struct {
	ClosedPeriod *billing.BillingPeriod
	Invoice      *billing.Invoice
	NewPeriod    *billing.BillingPeriod
}

// Subscribe opens the user's first billing period on tierID starting at at
func (s *PeriodService) Subscribe(ctx context.Context, userID uuid.UUID, tierID billing.TierID, at time.Time) (*billing.BillingPeriod, error) {
	tier, err := s.catalog.GetTier(tierID)
	if err != nil {
		return nil, err
	}
	period, err := billing.NewBillingPeriod(userID, tier, at)
	if err != nil {
		return nil, err
	}

	if err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.open(ctx, period, tier)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("subscription started",
		zap.String("user_id", userID.String()),
		zap.String("period_id", period.ID.String()),
		zap.String("tier_id", tier.ID.String()),
		zap.Time("ends_at", period.EndsAt))
	s.publish(ctx, billing.NewPeriodOpenedEvent(period))
	return period, nil
}

// ChangeTier closes the user's open period and opens a new one on newTier
// starting at at. The new counters start from zero with the new limits.
func (s *PeriodService) ChangeTier(ctx context.Context, userID uuid.UUID, newTier billing.TierID, at time.Time) (*TierChange, error) {
	tier, err := s.catalog.GetTier(newTier)
	if err != nil {
		return nil, err
	}
	current, err := s.periods.FindOpenByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, &billing.NoOpenPeriodError{UserID: userID}
		}
		return nil, fmt.Errorf("failed to load open billing period: %w", err)
	}
	if current.TierID == tier.ID {
		return nil, shared.NewDomainError("SAME_TIER",
			fmt.Sprintf("User is already on tier %s", tier.ID))
	}
	if at.Before(current.StartsAt) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Tier change cannot precede the current period")
	}

	next, err := billing.NewBillingPeriod(userID, tier, at)
	if err != nil {
		return nil, err
	}
	next.TrialEndsAt = nil

	closed, invoice, err := s.calculator.closeWith(ctx, userID, current.ID,
		func(ctx context.Context, _ *billing.BillingPeriod) error {
			return s.open(ctx, next, tier)
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tier changed",
		zap.String("user_id", userID.String()),
		zap.String("from_tier", current.TierID.String()),
		zap.String("to_tier", tier.ID.String()),
		zap.String("period_id", next.ID.String()))
	s.publish(ctx, billing.NewPeriodOpenedEvent(next))
	return &TierChange{ClosedPeriod: closed, Invoice: invoice, NewPeriod: next}, nil
}

// errOpenSuccessor marks Renew failures that happened after the close
// succeeded; the whole renewal was rolled back.
var errOpenSuccessor = errors.New("open next billing period")

// Renew closes an expired period and opens its successor in one
// transaction, so the user never goes without an OPEN period. The successor
// runs on the scheduled tier when one is pending, otherwise on the closed
// period's tier.
func (s *PeriodService) Renew(ctx context.Context, expired *billing.BillingPeriod) (*TierChange, error) {
	var next *billing.BillingPeriod
	closed, invoice, err := s.calculator.closeWith(ctx, expired.UserID, expired.ID,
		func(ctx context.Context, closed *billing.BillingPeriod) error {
			var err error
			next, err = s.successor(ctx, closed)
			if err != nil {
				return fmt.Errorf("%w: %w", errOpenSuccessor, err)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("billing period renewed",
		zap.String("user_id", next.UserID.String()),
		zap.String("closed_period_id", closed.ID.String()),
		zap.String("period_id", next.ID.String()),
		zap.String("tier_id", next.TierID.String()),
		zap.Time("starts_at", next.StartsAt))
	s.publish(ctx, billing.NewPeriodOpenedEvent(next))
	return &TierChange{ClosedPeriod: closed, Invoice: invoice, NewPeriod: next}, nil
}

// successor opens the period after closed. The pending tier is re-read
// under the close's row lock so a change scheduled just before is honored.
func (s *PeriodService) successor(ctx context.Context, closed *billing.BillingPeriod) (*billing.BillingPeriod, error) {
	current, err := s.periods.FindByID(ctx, closed.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload billing period: %w", err)
	}
	tier, err := s.catalog.GetTier(current.RenewalTierID())
	if err != nil {
		return nil, err
	}
	next, err := current.NextPeriod(tier)
	if err != nil {
		return nil, err
	}
	if err := s.open(ctx, next, tier); err != nil {
		return nil, err
	}
	return next, nil
}

// ScheduleTierChange makes the user's next period open on tierID. The
// running period keeps its tier and limits.
func (s *PeriodService) ScheduleTierChange(ctx context.Context, userID uuid.UUID, tierID billing.TierID, at time.Time) (*billing.BillingPeriod, error) {
	tier, err := s.catalog.GetTier(tierID)
	if err != nil {
		return nil, err
	}
	period, err := s.CurrentPeriod(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := period.ScheduleTierChange(tier.ID, at); err != nil {
		return nil, err
	}
	if err := s.storePendingTier(ctx, period, at); err != nil {
		return nil, err
	}

	s.logger.Info("tier change scheduled",
		zap.String("user_id", userID.String()),
		zap.String("period_id", period.ID.String()),
		zap.String("from_tier", period.TierID.String()),
		zap.String("to_tier", tier.ID.String()),
		zap.Time("effective_at", period.EndsAt))
	return period, nil
}

// CancelTierChange drops the user's scheduled tier change
func (s *PeriodService) CancelTierChange(ctx context.Context, userID uuid.UUID, at time.Time) (*billing.BillingPeriod, error) {
	period, err := s.CurrentPeriod(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := period.CancelTierChange(at); err != nil {
		return nil, err
	}
	if err := s.storePendingTier(ctx, period, at); err != nil {
		return nil, err
	}

	s.logger.Info("scheduled tier change cancelled",
		zap.String("user_id", userID.String()),
		zap.String("period_id", period.ID.String()))
	return period, nil
}

func (s *PeriodService) storePendingTier(ctx context.Context, period *billing.BillingPeriod, at time.Time) error {
	ok, err := s.periods.SetPendingTier(ctx, period.ID, period.PendingTierID, at)
	if err != nil {
		return fmt.Errorf("failed to store scheduled tier change: %w", err)
	}
	if !ok {
		// Closed by a rollover after we read it
		return &billing.NoOpenPeriodError{UserID: period.UserID}
	}
	return nil
}

// CurrentPeriod returns the user's OPEN period
func (s *PeriodService) CurrentPeriod(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	period, err := s.periods.FindOpenByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, &billing.NoOpenPeriodError{UserID: userID}
		}
		return nil, fmt.Errorf("failed to load open billing period: %w", err)
	}
	return period, nil
}

func (s *PeriodService) open(ctx context.Context, period *billing.BillingPeriod, tier billing.TierDefinition) error {
	if err := s.periods.Create(ctx, period); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return billing.ErrActivePeriodExists
		}
		return fmt.Errorf("failed to create billing period: %w", err)
	}
	return s.tracker.EnsureCounters(ctx, period, tier)
}

func (s *PeriodService) publish(ctx context.Context, events ...shared.DomainEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish period events", zap.Error(err))
	}
}
