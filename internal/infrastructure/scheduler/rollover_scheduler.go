// Package scheduler runs the billing rollover sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RolloverRunner is the sweep the scheduler drives
type RolloverRunner interface {
	Run(ctx context.Context, now time.Time) (*appbilling.RolloverResult, error)
}

// RolloverSchedulerConfig holds scheduler configuration
type RolloverSchedulerConfig struct {
	Enabled bool
	// Schedule is a standard 5-field cron expression or descriptor, evaluated in UTC
	Schedule     string
	JobTimeout   time.Duration
	RunOnStartup bool
}

// DefaultRolloverSchedulerConfig returns default scheduler configuration
func DefaultRolloverSchedulerConfig() RolloverSchedulerConfig {
	return RolloverSchedulerConfig{
		Enabled:    true,
		Schedule:   "0 2 * * *",
		JobTimeout: 30 * time.Minute,
	}
}

// RolloverScheduler triggers the rollover sweep. At most one sweep runs at a
// time whether it was started by cron or by RunNow.
type RolloverScheduler struct {
	config RolloverSchedulerConfig
	runner RolloverRunner
	logger *zap.Logger
	now    func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	isRunning  bool
	sweeping   bool
	lastResult *appbilling.RolloverResult
	lastErr    error
}

// NewRolloverScheduler creates a new scheduler instance
func NewRolloverScheduler(config RolloverSchedulerConfig, runner RolloverRunner, logger *zap.Logger) *RolloverScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}
	return &RolloverScheduler{
		config: config,
		runner: runner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep. It is a no-op when disabled or already started.
func (s *RolloverScheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Rollover scheduler disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	schedule, err := cron.ParseStandard(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, s.config.Schedule, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger: s.logger}),
	)
	s.cron.Schedule(schedule, cron.FuncJob(s.runScheduled))
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("Rollover scheduler started",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("job_timeout", s.config.JobTimeout),
		zap.Time("next_run", schedule.Next(s.now())),
	)

	if s.config.RunOnStartup {
		go s.runScheduled()
	}
	return nil
}

// Stop stops scheduling and waits for a running sweep, bounded by ctx.
func (s *RolloverScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	c := s.cron
	cancel := s.cancel
	s.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		s.logger.Info("Rollover scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		s.logger.Warn("Rollover scheduler stop timed out")
		return ctx.Err()
	}
}

// RunNow runs the sweep immediately and returns its result.
func (s *RolloverScheduler) RunNow(ctx context.Context) (*appbilling.RolloverResult, error) {
	return s.execute(ctx, "manual")
}

// LastResult returns the outcome of the most recent sweep, if any.
func (s *RolloverScheduler) LastResult() (*appbilling.RolloverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult, s.lastErr
}

func (s *RolloverScheduler) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	if _, err := s.execute(ctx, "cron"); err != nil && !errors.Is(err, ErrRolloverInProgress) {
		s.logger.Error("Scheduled rollover failed", zap.Error(err))
	}
}

func (s *RolloverScheduler) execute(ctx context.Context, trigger string) (*appbilling.RolloverResult, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Warn("Rollover sweep skipped, previous sweep still running", zap.String("trigger", trigger))
		return nil, ErrRolloverInProgress
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	started := time.Now()
	s.logger.Info("Rollover sweep started", zap.String("trigger", trigger))

	result, err := s.runner.Run(jobCtx, s.now())
	duration := time.Since(started)

	s.mu.Lock()
	s.lastResult, s.lastErr = result, err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Rollover sweep failed",
			zap.String("trigger", trigger),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	fields := []zap.Field{
		zap.String("trigger", trigger),
		zap.Duration("duration", duration),
		zap.Int("closed", result.Closed),
		zap.Int("opened", result.Opened),
		zap.Int("invoiced", result.Invoiced),
		zap.Int("retried", result.Retried),
		zap.Int("failures", len(result.Failures)),
	}
	if result.HasFatal() {
		s.logger.Error("Rollover sweep finished with fatal failures", fields...)
	} else {
		s.logger.Info("Rollover sweep finished", fields...)
	}
	return result, nil
}

// cronLogger routes robfig/cron's internal logging to zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
