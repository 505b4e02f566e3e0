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

// Default TTLs used when MeteringServiceConfig leaves them zero
const (
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultSummaryTTL     = 30 * time.Second
	defaultEventListLimit = 100
	maxEventListLimit     = 1000
)

// MeteringService is the caller-facing workflow: estimate before acting,
// consume after the action succeeded, and report usage.
type MeteringService struct {
	gate           *EnforcementGate
	tracker        *QuotaTracker
	periods        billing.BillingPeriodRepository
	ledger         billing.UsageLedger
	invoices       billing.InvoiceRepository
	catalog        *billing.TierCatalog
	idempotency    shared.IdempotencyStore
	cache          SummaryCache
	txManager      shared.Transactor
	logger         *zap.Logger
	idempotencyTTL time.Duration
	summaryTTL     time.Duration
	now            func() time.Time
}

// MeteringServiceConfig contains the dependencies of MeteringService
type MeteringServiceConfig struct {
	Gate           *EnforcementGate
	Tracker        *QuotaTracker
	Periods        billing.BillingPeriodRepository
	Ledger         billing.UsageLedger
	Invoices       billing.InvoiceRepository
	Catalog        *billing.TierCatalog
	Idempotency    shared.IdempotencyStore // optional
	Cache          SummaryCache            // optional
	TxManager      shared.Transactor
	Logger         *zap.Logger
	IdempotencyTTL time.Duration
	SummaryTTL     time.Duration
}

// NewMeteringService creates a new MeteringService
func NewMeteringService(cfg MeteringServiceConfig) *MeteringService {
	s := &MeteringService{
		gate:           cfg.Gate,
		tracker:        cfg.Tracker,
		periods:        cfg.Periods,
		ledger:         cfg.Ledger,
		invoices:       cfg.Invoices,
		catalog:        cfg.Catalog,
		idempotency:    cfg.Idempotency,
		cache:          cfg.Cache,
		txManager:      cfg.TxManager,
		logger:         cfg.Logger,
		idempotencyTTL: cfg.IdempotencyTTL,
		summaryTTL:     cfg.SummaryTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if s.txManager == nil {
		s.txManager = shared.NoopTransactor{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = DefaultIdempotencyTTL
	}
	if s.summaryTTL <= 0 {
		s.summaryTTL = DefaultSummaryTTL
	}
	return s
}

// Estimate asks the gate without recording anything
func (s *MeteringService) Estimate(ctx context.Context, input DecideInput) (*billing.Decision, error) {
	return s.gate.Decide(ctx, input)
}

// Authorize runs the gate and turns a REJECT into *billing.QuotaExceededError.
// The decision is returned in both cases.
func (s *MeteringService) Authorize(ctx context.Context, input DecideInput) (*billing.Decision, error) {
	decision, err := s.gate.Decide(ctx, input)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed() {
		return decision, &billing.QuotaExceededError{Decision: decision}
	}
	return decision, nil
}

// Consume records a resource action that already succeeded. The ledger append
// and the counter increment commit together, against the user's OPEN period
// share-locked in the same transaction, so a concurrent close either waits
// for this usage or makes Consume fail with *billing.NoOpenPeriodError.
// A repeated idempotency key returns the original event with Duplicate set.
// With Enforce set, a REJECT from the gate aborts with *billing.QuotaExceededError
// and nothing is recorded.
func (s *MeteringService) Consume(ctx context.Context, input ConsumeInput) (*ConsumeResult, error) {
	period, err := s.openPeriod(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	event, err := newConsumeEvent(input, period.ID)
	if err != nil {
		return nil, err
	}

	storeKey := ""
	if input.IdempotencyKey != "" {
		if input.Enforce {
			// A retry of a recorded action must not be re-gated against usage
			// that already includes it
			if _, err := s.ledger.FindByIdempotencyKey(ctx, input.UserID, input.IdempotencyKey); err == nil {
				return s.duplicate(ctx, input)
			}
		}
		storeKey = idempotencyStoreKey(input.UserID, input.IdempotencyKey)
		if s.idempotency != nil {
			fresh, err := s.idempotency.MarkProcessed(ctx, storeKey, s.idempotencyTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if !fresh {
				return s.duplicate(ctx, input)
			}
		}
	}

	var (
		counter *billing.QuotaCounter
		crossed []billing.AlertThreshold
	)
	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		locked, err := s.periods.LockOpenByUser(ctx, input.UserID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return &billing.NoOpenPeriodError{UserID: input.UserID}
			}
			return fmt.Errorf("failed to lock open billing period: %w", err)
		}
		if locked.ID != period.ID {
			// Renewed since we looked; the usage belongs to the successor
			if event, err = newConsumeEvent(input, locked.ID); err != nil {
				return err
			}
			period = locked
		}

		if input.Enforce {
			decision, err := s.gate.DecideForPeriod(ctx, locked, input.ResourceType, input.Quantity)
			if err != nil {
				return err
			}
			if !decision.Allowed() {
				return &billing.QuotaExceededError{Decision: decision}
			}
		}

		if _, err := s.ledger.Append(ctx, event); err != nil {
			return err
		}
		counter, crossed, err = s.tracker.Record(ctx, input.UserID, locked.ID, event.ResourceType(), event.Quantity())
		return err
	})
	if err != nil {
		if storeKey != "" && s.idempotency != nil {
			if uerr := s.idempotency.Unmark(ctx, storeKey); uerr != nil {
				s.logger.Warn("failed to release idempotency key",
					zap.String("key", storeKey),
					zap.Error(uerr))
			}
		}
		if input.IdempotencyKey != "" && errors.Is(err, shared.ErrAlreadyExists) {
			return s.duplicate(ctx, input)
		}
		var quotaErr *billing.QuotaExceededError
		var noOpen *billing.NoOpenPeriodError
		if errors.As(err, &quotaErr) || errors.As(err, &noOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume usage: %w", err)
	}

	s.tracker.PublishAlerts(ctx, counter, crossed)
	s.invalidate(ctx, input.UserID)

	return &ConsumeResult{
		EventID:  event.ID(),
		PeriodID: period.ID,
		Counter:  counter,
	}, nil
}

func newConsumeEvent(input ConsumeInput, periodID uuid.UUID) (*billing.UsageEvent, error) {
	event, err := billing.NewUsageEvent(input.UserID, periodID, input.ResourceType, input.Quantity, input.OccurredAt)
	if err != nil {
		return nil, err
	}
	if input.CostRelevant != nil {
		event = event.WithCostRelevant(*input.CostRelevant)
	}
	if input.IdempotencyKey != "" {
		event = event.WithIdempotencyKey(input.IdempotencyKey)
	}
	return event, nil
}

// Remaining reports one resource of the user's open period
func (s *MeteringService) Remaining(ctx context.Context, userID uuid.UUID, rt billing.ResourceType) (*ResourceUsage, error) {
	if !rt.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", fmt.Sprintf("invalid resource type: %s", rt))
	}
	period, err := s.openPeriod(ctx, userID)
	if err != nil {
		return nil, err
	}
	counter, err := s.tracker.Counter(ctx, userID, period.ID, rt)
	if err != nil {
		return nil, err
	}
	usage := NewResourceUsage(counter)
	return &usage, nil
}

// Summary reports every resource of the user's open period. Results are
// cached for a short TTL and invalidated by Consume.
func (s *MeteringService) Summary(ctx context.Context, userID uuid.UUID) (*UsageSummary, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("usage summary cache read failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	period, err := s.openPeriod(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier, err := s.catalog.GetTier(period.TierID)
	if err != nil {
		return nil, err
	}
	counters, err := s.tracker.Counters(ctx, userID, period.ID)
	if err != nil {
		return nil, err
	}
	byResource := make(map[billing.ResourceType]*billing.QuotaCounter, len(counters))
	for _, c := range counters {
		byResource[c.ResourceType] = c
	}

	now := s.now()
	summary := &UsageSummary{
		UserID:      userID,
		PeriodID:    period.ID,
		TierID:      period.TierID,
		PeriodStart: period.StartsAt,
		PeriodEnd:   period.EndsAt,
		InTrial:     period.InTrial(now),
		Resources:   make([]ResourceUsage, 0, len(billing.AllResourceTypes())),
		GeneratedAt: now,
	}
	for _, rt := range billing.AllResourceTypes() {
		c, ok := byResource[rt]
		if !ok {
			c = billing.NewQuotaCounter(period, tier, rt)
		}
		summary.Resources = append(summary.Resources, NewResourceUsage(c))
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, summary, s.summaryTTL); err != nil {
			s.logger.Warn("usage summary cache write failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
	return summary, nil
}

// ListEventsInput selects ledger events for ListEvents
type ListEventsInput struct {
	UserID       uuid.UUID
	PeriodID     *uuid.UUID // nil means the open period
	ResourceType *billing.ResourceType
	Limit        int
}

// ListEvents returns ledger events in timestamp order, at most Limit of them
func (s *MeteringService) ListEvents(ctx context.Context, input ListEventsInput) ([]*billing.UsageEvent, error) {
	var period *billing.BillingPeriod
	var err error
	if input.PeriodID == nil {
		period, err = s.openPeriod(ctx, input.UserID)
	} else {
		period, err = s.periods.FindByID(ctx, *input.PeriodID)
		if err == nil && period.UserID != input.UserID {
			err = shared.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	limit = min(limit, maxEventListLimit)

	events := make([]*billing.UsageEvent, 0, min(limit, defaultEventListLimit))
	query := billing.LedgerQuery{UserID: input.UserID, PeriodID: period.ID, ResourceType: input.ResourceType}
	for event, err := range s.ledger.Query(ctx, query) {
		if err != nil {
			return nil, fmt.Errorf("failed to read usage ledger: %w", err)
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// RecordChargeOutcome stores the processor's asynchronous charge result on
// the invoice. The billing period is left as it is.
func (s *MeteringService) RecordChargeOutcome(ctx context.Context, invoiceID uuid.UUID, paid bool, reason string) (*billing.Invoice, error) {
	invoice, err := s.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := invoice.RecordChargeOutcome(paid, reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.invoices.Save(ctx, invoice); err != nil {
		return nil, fmt.Errorf("failed to save invoice: %w", err)
	}

	if paid {
		s.logger.Info("overage charge paid",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("user_id", invoice.UserID.String()))
	} else {
		s.logger.Warn("overage charge failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("user_id", invoice.UserID.String()),
			zap.String("reason", reason))
	}
	return invoice, nil
}

// Invoices returns the user's invoices, newest first
func (s *MeteringService) Invoices(ctx context.Context, userID uuid.UUID, limit int) ([]*billing.Invoice, error) {
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	return s.invoices.FindByUser(ctx, userID, min(limit, maxEventListLimit))
}

func (s *MeteringService) duplicate(ctx context.Context, input ConsumeInput) (*ConsumeResult, error) {
	existing, err := s.ledger.FindByIdempotencyKey(ctx, input.UserID, input.IdempotencyKey)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// The first request holds the key but has not committed yet
			return nil, shared.NewDomainError("REQUEST_IN_PROGRESS",
				"A request with this idempotency key is still being processed")
		}
		return nil, fmt.Errorf("failed to load original usage event: %w", err)
	}

	s.logger.Debug("duplicate usage event ignored",
		zap.String("user_id", input.UserID.String()),
		zap.String("idempotency_key", input.IdempotencyKey),
		zap.String("event_id", existing.ID().String()))

	counter, err := s.tracker.Counter(ctx, existing.UserID(), existing.PeriodID(), existing.ResourceType())
	if err != nil {
		return nil, err
	}
	return &ConsumeResult{
		EventID:   existing.ID(),
		PeriodID:  existing.PeriodID(),
		Counter:   counter,
		Duplicate: true,
	}, nil
}

func (s *MeteringService) openPeriod(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	period, err := s.periods.FindOpenByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, &billing.NoOpenPeriodError{UserID: userID}
		}
		return nil, fmt.Errorf("failed to load open billing period: %w", err)
	}
	return period, nil
}

func (s *MeteringService) invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("usage summary cache invalidation failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func idempotencyStoreKey(userID uuid.UUID, key string) string {
	return "usage:" + userID.String() + ":" + key
}

// NewResourceUsage renders a quota counter for reporting
func NewResourceUsage(c *billing.QuotaCounter) ResourceUsage {
	unit := c.ResourceType.Unit()
	u := ResourceUsage{
		ResourceType: c.ResourceType,
		DisplayName:  c.ResourceType.DisplayName(),
		Unit:         unit,
		Used:         c.Used,
		Limit:        c.Limit,
		Remaining:    c.Remaining(),
		Overage:      c.Overage,
	}
	if limit, ok := c.Limit.Amount(); ok {
		if limit > 0 {
			pct := float64(c.Used) / float64(limit) * 100
			u.Percentage = &pct
		}
		u.Formatted = fmt.Sprintf("%s / %s", unit.FormatValue(c.Used), unit.FormatValue(limit))
	} else {
		u.Formatted = fmt.Sprintf("%s / unlimited", unit.FormatValue(c.Used))
	}
	return u
}

// Period returns a billing period by id
func (s *MeteringService) Period(ctx context.Context, periodID uuid.UUID) (*billing.BillingPeriod, error) {
	return s.periods.FindByID(ctx, periodID)
}

// InvoiceForPeriod returns the stored invoice of a closed period
func (s *MeteringService) InvoiceForPeriod(ctx context.Context, periodID uuid.UUID) (*billing.Invoice, error) {
	return s.invoices.FindByPeriod(ctx, periodID)
}
