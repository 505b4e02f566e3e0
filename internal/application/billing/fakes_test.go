package billing

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memPeriods is an in-memory BillingPeriodRepository. It hands out copies so
// callers cannot mutate stored state, the way a database would.
type memPeriods struct {
	mu      sync.Mutex
	periods map[uuid.UUID]billing.BillingPeriod

	// failCreate, when set, is returned by the next Create and then cleared
	failCreate error
	// beforeLock runs once at the start of the next LockOpenByUser, standing
	// in for a writer that commits while a consume is in flight
	beforeLock func()
}

func newMemPeriods() *memPeriods {
	return &memPeriods{periods: make(map[uuid.UUID]billing.BillingPeriod)}
}

func (r *memPeriods) Create(_ context.Context, p *billing.BillingPeriod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failCreate; err != nil {
		r.failCreate = nil
		return err
	}
	for _, existing := range r.periods {
		if existing.UserID == p.UserID && existing.Status == billing.PeriodStatusOpen {
			return shared.ErrAlreadyExists
		}
	}
	r.periods[p.ID] = *p
	return nil
}

func (r *memPeriods) FindByID(_ context.Context, id uuid.UUID) (*billing.BillingPeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &p, nil
}

func (r *memPeriods) FindOpenByUser(_ context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.periods {
		if p.UserID == userID && p.Status == billing.PeriodStatusOpen {
			return &p, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memPeriods) LockOpenByUser(ctx context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	r.mu.Lock()
	hook := r.beforeLock
	r.beforeLock = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.FindOpenByUser(ctx, userID)
}

func (r *memPeriods) FindLatestByUser(_ context.Context, userID uuid.UUID) (*billing.BillingPeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *billing.BillingPeriod
	for _, p := range r.periods {
		if p.UserID == userID && (latest == nil || p.StartsAt.After(latest.StartsAt)) {
			latest = &p
		}
	}
	if latest == nil {
		return nil, shared.ErrNotFound
	}
	return latest, nil
}

func (r *memPeriods) FindExpiredOpen(_ context.Context, now time.Time, after *billing.PeriodCursor, limit int) ([]*billing.BillingPeriod, error) {
	return r.filter(limit, func(p billing.BillingPeriod) bool {
		return p.Status == billing.PeriodStatusOpen && p.IsExpired(now) &&
			(after == nil || compareCursor(p.Cursor(), *after) > 0)
	}, func(a, b billing.BillingPeriod) int { return compareCursor(a.Cursor(), b.Cursor()) }), nil
}

func compareCursor(a, b billing.PeriodCursor) int {
	if c := a.EndsAt.Compare(b.EndsAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

func (r *memPeriods) FindClosedUninvoiced(_ context.Context, limit int) ([]*billing.BillingPeriod, error) {
	return r.filter(limit, func(p billing.BillingPeriod) bool {
		return p.Status == billing.PeriodStatusClosed
	}, func(a, b billing.BillingPeriod) int { return a.ClosedAt.Compare(*b.ClosedAt) }), nil
}

func (r *memPeriods) TransitionStatus(_ context.Context, id uuid.UUID, from, to billing.PeriodStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	switch to {
	case billing.PeriodStatusClosed:
		p.ClosedAt = &at
	case billing.PeriodStatusInvoiced:
		p.InvoicedAt = &at
	}
	r.periods[id] = p
	return true, nil
}

func (r *memPeriods) SetPendingTier(_ context.Context, id uuid.UUID, tier *billing.TierID, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[id]
	if !ok || p.Status != billing.PeriodStatusOpen {
		return false, nil
	}
	p.PendingTierID = tier
	r.periods[id] = p
	return true, nil
}

func (r *memPeriods) filter(limit int, keep func(billing.BillingPeriod) bool, order func(a, b billing.BillingPeriod) int) []*billing.BillingPeriod {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []billing.BillingPeriod
	for _, p := range r.periods {
		if keep(p) {
			matched = append(matched, p)
		}
	}
	slices.SortFunc(matched, order)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*billing.BillingPeriod, len(matched))
	for i := range matched {
		out[i] = &matched[i]
	}
	return out
}

func (r *memPeriods) status(t *testing.T, id uuid.UUID) billing.PeriodStatus {
	t.Helper()
	p, err := r.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

type counterKey struct {
	userID, periodID uuid.UUID
	rt               billing.ResourceType
}

// memCounters is an in-memory QuotaCounterRepository with an atomic Increment
type memCounters struct {
	mu       sync.Mutex
	counters map[counterKey]billing.QuotaCounter
	failWith error
	// failUsers makes FindByPeriod fail for the listed users only
	failUsers map[uuid.UUID]error
}

func newMemCounters() *memCounters {
	return &memCounters{counters: make(map[counterKey]billing.QuotaCounter)}
}

func (r *memCounters) CreateAll(_ context.Context, counters []*billing.QuotaCounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range counters {
		k := counterKey{c.UserID, c.PeriodID, c.ResourceType}
		if _, ok := r.counters[k]; !ok {
			r.counters[k] = *c
		}
	}
	return nil
}

func (r *memCounters) Find(_ context.Context, userID, periodID uuid.UUID, rt billing.ResourceType) (*billing.QuotaCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	c, ok := r.counters[counterKey{userID, periodID, rt}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &c, nil
}

func (r *memCounters) FindByPeriod(_ context.Context, userID, periodID uuid.UUID) ([]*billing.QuotaCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	if err := r.failUsers[userID]; err != nil {
		return nil, err
	}
	var out []*billing.QuotaCounter
	for k, c := range r.counters {
		if k.userID == userID && k.periodID == periodID {
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *billing.QuotaCounter) int { return cmp.Compare(a.ResourceType, b.ResourceType) })
	return out, nil
}

func (r *memCounters) Increment(_ context.Context, userID, periodID uuid.UUID, rt billing.ResourceType, quantity int64, at time.Time) (*billing.QuotaCounter, []billing.AlertThreshold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, nil, r.failWith
	}
	k := counterKey{userID, periodID, rt}
	c, ok := r.counters[k]
	if !ok {
		return nil, nil, shared.ErrNotFound
	}
	crossed := c.Add(quantity, at)
	r.counters[k] = c
	return &c, crossed, nil
}

func (r *memCounters) delete(userID, periodID uuid.UUID, rt billing.ResourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counters, counterKey{userID, periodID, rt})
}

// memLedger is an in-memory UsageLedger
type memLedger struct {
	mu       sync.Mutex
	events   []*billing.UsageEvent
	failWith error
}

func (l *memLedger) Append(_ context.Context, e *billing.UsageEvent) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return uuid.Nil, l.failWith
	}
	if e.IdempotencyKey() != "" {
		for _, existing := range l.events {
			if existing.UserID() == e.UserID() && existing.IdempotencyKey() == e.IdempotencyKey() {
				return uuid.Nil, shared.ErrAlreadyExists
			}
		}
	}
	l.events = append(l.events, e)
	return e.ID(), nil
}

func (l *memLedger) Query(_ context.Context, q billing.LedgerQuery) iter.Seq2[*billing.UsageEvent, error] {
	return func(yield func(*billing.UsageEvent, error) bool) {
		l.mu.Lock()
		var matched []*billing.UsageEvent
		for _, e := range l.events {
			if e.UserID() != q.UserID || e.PeriodID() != q.PeriodID {
				continue
			}
			if q.ResourceType != nil && e.ResourceType() != *q.ResourceType {
				continue
			}
			matched = append(matched, e)
		}
		l.mu.Unlock()
		slices.SortStableFunc(matched, func(a, b *billing.UsageEvent) int { return a.OccurredAt().Compare(b.OccurredAt()) })
		for _, e := range matched {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (l *memLedger) FindByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*billing.UsageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.UserID() == userID && e.IdempotencyKey() == key {
			return e, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (l *memLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// memInvoices is an in-memory InvoiceRepository
type memInvoices struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]billing.Invoice
}

func newMemInvoices() *memInvoices {
	return &memInvoices{invoices: make(map[uuid.UUID]billing.Invoice)}
}

func (r *memInvoices) Create(_ context.Context, inv *billing.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.invoices {
		if existing.PeriodID == inv.PeriodID {
			return shared.ErrAlreadyExists
		}
	}
	r.invoices[inv.ID] = *inv
	return nil
}

func (r *memInvoices) Save(_ context.Context, inv *billing.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invoices[inv.ID]; !ok {
		return shared.ErrNotFound
	}
	r.invoices[inv.ID] = *inv
	return nil
}

func (r *memInvoices) FindByID(_ context.Context, id uuid.UUID) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &inv, nil
}

func (r *memInvoices) FindByPeriod(_ context.Context, periodID uuid.UUID) (*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.PeriodID == periodID {
			return &inv, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memInvoices) FindByUser(_ context.Context, userID uuid.UUID, limit int) ([]*billing.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*billing.Invoice
	for _, inv := range r.invoices {
		if inv.UserID == userID {
			out = append(out, &inv)
		}
	}
	slices.SortFunc(out, func(a, b *billing.Invoice) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []shared.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.DomainEvent
	for _, e := range p.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) alertThresholds() []billing.AlertThreshold {
	var out []billing.AlertThreshold
	for _, e := range p.ofType(billing.EventTypeAlertRaised) {
		out = append(out, e.(*billing.AlertRaisedEvent).Threshold)
	}
	return out
}

// memIdempotency is an in-memory IdempotencyStore without expiry
type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{keys: make(map[string]struct{})}
}

func (s *memIdempotency) MarkProcessed(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

func (s *memIdempotency) Unmark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *memIdempotency) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *memIdempotency) Close() error { return nil }

// MockPaymentProcessor is a mock implementation of PaymentProcessor
type MockPaymentProcessor struct {
	mock.Mock
}

func (m *MockPaymentProcessor) SubmitOverage(ctx context.Context, invoice *billing.Invoice) (string, error) {
	args := m.Called(ctx, invoice)
	return args.String(0), args.Error(1)
}

// MockSummaryCache is a mock implementation of SummaryCache
type MockSummaryCache struct {
	mock.Mock
}

func (m *MockSummaryCache) Get(ctx context.Context, userID uuid.UUID) (*UsageSummary, bool, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*UsageSummary), args.Bool(1), args.Error(2)
}

func (m *MockSummaryCache) Set(ctx context.Context, summary *UsageSummary, ttl time.Duration) error {
	return m.Called(ctx, summary, ttl).Error(0)
}

func (m *MockSummaryCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

// rollbackTransactor restores the in-memory stores when fn fails, so a test
// can check that a failed unit of work left nothing behind. Transactions
// must not overlap.
type rollbackTransactor struct {
	f *fixture
}

type inTxKey struct{}

func (t rollbackTransactor) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	restore := t.f.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		restore()
		return err
	}
	return nil
}

// snapshot copies every store and returns a func that puts the copies back
func (f *fixture) snapshot() func() {
	f.periods.mu.Lock()
	periods := maps.Clone(f.periods.periods)
	f.periods.mu.Unlock()
	f.counters.mu.Lock()
	counters := maps.Clone(f.counters.counters)
	f.counters.mu.Unlock()
	f.ledger.mu.Lock()
	events := slices.Clone(f.ledger.events)
	f.ledger.mu.Unlock()
	f.invoices.mu.Lock()
	invoices := maps.Clone(f.invoices.invoices)
	f.invoices.mu.Unlock()

	return func() {
		f.periods.mu.Lock()
		f.periods.periods = periods
		f.periods.mu.Unlock()
		f.counters.mu.Lock()
		f.counters.counters = counters
		f.counters.mu.Unlock()
		f.ledger.mu.Lock()
		f.ledger.events = events
		f.ledger.mu.Unlock()
		f.invoices.mu.Lock()
		f.invoices.invoices = invoices
		f.invoices.mu.Unlock()
	}
}

type fixtureOption func(*fixture)

// withRollback makes the services' transactions undo their writes on error
func withRollback() fixtureOption {
	return func(f *fixture) { f.tx = rollbackTransactor{f: f} }
}

// fixture wires every service over the in-memory stores
type fixture struct {
	tx          shared.Transactor
	periods     *memPeriods
	counters    *memCounters
	ledger      *memLedger
	invoices    *memInvoices
	publisher   *recordingPublisher
	idempotency *memIdempotency
	processor   *MockPaymentProcessor
	catalog     *billing.TierCatalog

	tracker    *QuotaTracker
	gate       *EnforcementGate
	calculator *OverageCalculator
	periodSvc  *PeriodService
	metering   *MeteringService
	rollover   *RolloverService
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		periods:     newMemPeriods(),
		counters:    newMemCounters(),
		ledger:      &memLedger{},
		invoices:    newMemInvoices(),
		publisher:   &recordingPublisher{},
		idempotency: newMemIdempotency(),
		processor:   new(MockPaymentProcessor),
		catalog:     billing.DefaultTierCatalog(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.tracker = NewQuotaTracker(f.counters, f.periods, f.catalog, f.publisher, nil, logger)
	f.gate = NewEnforcementGate(f.periods, f.tracker, f.catalog, nil, logger)
	f.calculator = NewOverageCalculator(OverageCalculatorConfig{
		Periods:   f.periods,
		Invoices:  f.invoices,
		Ledger:    f.ledger,
		Tracker:   f.tracker,
		Catalog:   f.catalog,
		Processor: f.processor,
		TxManager: f.tx,
		Publisher: f.publisher,
		Logger:    logger,
	})
	f.periodSvc = NewPeriodService(PeriodServiceConfig{
		Periods:    f.periods,
		Tracker:    f.tracker,
		Calculator: f.calculator,
		Catalog:    f.catalog,
		TxManager:  f.tx,
		Publisher:  f.publisher,
		Logger:     logger,
	})
	f.metering = NewMeteringService(MeteringServiceConfig{
		Gate:        f.gate,
		Tracker:     f.tracker,
		Periods:     f.periods,
		Ledger:      f.ledger,
		Invoices:    f.invoices,
		Catalog:     f.catalog,
		Idempotency: f.idempotency,
		TxManager:   f.tx,
		Logger:      logger,
	})
	f.rollover = NewRolloverService(RolloverServiceConfig{
		Periods:    f.periods,
		Calculator: f.calculator,
		PeriodSvc:  f.periodSvc,
		Logger:     logger,
		BatchSize:  2,
	})
	return f
}

var periodStart = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

// subscribe opens a period for a new user on tier
func (f *fixture) subscribe(t *testing.T, tier billing.TierID) (uuid.UUID, *billing.BillingPeriod) {
	t.Helper()
	userID := uuid.New()
	period, err := f.periodSvc.Subscribe(context.Background(), userID, tier, periodStart)
	require.NoError(t, err)
	return userID, period
}

// consume records quantity of rt for the user's open period
func (f *fixture) consume(t *testing.T, userID uuid.UUID, rt billing.ResourceType, quantity int64) *ConsumeResult {
	t.Helper()
	res, err := f.metering.Consume(context.Background(), ConsumeInput{
		UserID:       userID,
		ResourceType: rt,
		Quantity:     quantity,
		OccurredAt:   periodStart.Add(time.Duration(f.ledger.len()+1) * time.Minute),
	})
	require.NoError(t, err)
	return res
}
