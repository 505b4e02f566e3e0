package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexmeter/backend/internal/domain/billing"
	"go.uber.org/zap"
)

// Rollover stages reported in RolloverFailure.Stage
const (
	RolloverStageClose  = "close"
	RolloverStageOpen   = "open"
	RolloverStageSubmit = "submit"
)

// DefaultRolloverBatchSize is how many periods one query of the sweep loads
const DefaultRolloverBatchSize = 200

// RolloverService is the periodic sweep that closes expired periods, opens
// their successors and hands invoices to the payment processor.
type RolloverService struct {
	periods    billing.BillingPeriodRepository
	calculator *OverageCalculator
	periodSvc  *PeriodService
	metrics    Metrics
	logger     *zap.Logger
	batchSize  int
}

// RolloverServiceConfig contains the dependencies of RolloverService
type RolloverServiceConfig struct {
	Periods    billing.BillingPeriodRepository
	Calculator *OverageCalculator
	PeriodSvc  *PeriodService
	Metrics    Metrics
	Logger     *zap.Logger
	BatchSize  int
}

// NewRolloverService creates a new RolloverService
func NewRolloverService(cfg RolloverServiceConfig) *RolloverService {
	s := &RolloverService{
		periods:    cfg.Periods,
		calculator: cfg.Calculator,
		periodSvc:  cfg.PeriodSvc,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		batchSize:  cfg.BatchSize,
	}
	if s.metrics == nil {
		s.metrics = NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultRolloverBatchSize
	}
	return s
}

// Run performs one sweep at now. Per-period failures are collected in the
// result; only a failure to list periods is returned as an error.
func (s *RolloverService) Run(ctx context.Context, now time.Time) (*RolloverResult, error) {
	result := &RolloverResult{StartedAt: now}

	if err := s.retrySubmissions(ctx, result); err != nil {
		return nil, err
	}
	if err := s.rollExpired(ctx, now, result); err != nil {
		return nil, err
	}

	result.FinishedAt = time.Now().UTC()
	s.logger.Info("rollover sweep finished",
		zap.Int("closed", result.Closed),
		zap.Int("opened", result.Opened),
		zap.Int("invoiced", result.Invoiced),
		zap.Int("retried", result.Retried),
		zap.Int("failures", len(result.Failures)),
		zap.Bool("fatal", result.HasFatal()))
	return result, nil
}

// retrySubmissions resubmits CLOSED periods left over from earlier sweeps
func (s *RolloverService) retrySubmissions(ctx context.Context, result *RolloverResult) error {
	pending, err := s.periods.FindClosedUninvoiced(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list uninvoiced periods: %w", err)
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Retried++
		if _, err := s.calculator.SubmitInvoice(ctx, p.ID); err != nil {
			s.fail(ctx, result, p, RolloverStageSubmit, false, err)
			continue
		}
		result.Invoiced++
	}
	return nil
}

// rollExpired walks expired OPEN periods in (EndsAt, ID) order. The cursor
// only moves forward, so periods that keep failing are reported once per
// sweep and never starve the ones behind them. Successors of long-expired
// periods end later than their predecessor and come up in a later page.
func (s *RolloverService) rollExpired(ctx context.Context, now time.Time, result *RolloverResult) error {
	var cursor *billing.PeriodCursor
	for {
		expired, err := s.periods.FindExpiredOpen(ctx, now, cursor, s.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list expired periods: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		for _, p := range expired {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.rollOne(ctx, p, result)
		}
		last := expired[len(expired)-1].Cursor()
		cursor = &last
	}
}

func (s *RolloverService) rollOne(ctx context.Context, p *billing.BillingPeriod, result *RolloverResult) {
	if _, err := s.periodSvc.Renew(ctx, p); err != nil {
		var closed *billing.PeriodAlreadyClosedError
		switch {
		case errors.Is(err, errOpenSuccessor):
			s.fail(ctx, result, p, RolloverStageOpen, false, err)
		default:
			s.fail(ctx, result, p, RolloverStageClose, errors.As(err, &closed), err)
		}
		return
	}
	result.Closed++
	result.Opened++

	if _, err := s.calculator.SubmitInvoice(ctx, p.ID); err != nil {
		s.fail(ctx, result, p, RolloverStageSubmit, false, err)
		return
	}
	result.Invoiced++
}

func (s *RolloverService) fail(ctx context.Context, result *RolloverResult, p *billing.BillingPeriod, stage string, fatal bool, err error) {
	result.Failures = append(result.Failures, RolloverFailure{
		UserID:   p.UserID,
		PeriodID: p.ID,
		Stage:    stage,
		Fatal:    fatal,
		Error:    err.Error(),
	})
	s.metrics.RecordRolloverFailure(ctx, stage)

	fields := []zap.Field{
		zap.String("user_id", p.UserID.String()),
		zap.String("period_id", p.ID.String()),
		zap.String("stage", stage),
		zap.Error(err),
	}
	if fatal {
		s.logger.Error("rollover halted for user", fields...)
		return
	}
	s.logger.Warn("rollover step failed", fields...)
}
