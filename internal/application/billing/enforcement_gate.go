package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// EnforcementGate decides whether a resource action may proceed. It reads
// counters and never writes usage, so it can be called speculatively.
type EnforcementGate struct {
	periods billing.BillingPeriodRepository
	tracker *QuotaTracker
	catalog *billing.TierCatalog
	metrics Metrics
	logger  *zap.Logger
}

// NewEnforcementGate creates a new EnforcementGate
func NewEnforcementGate(
	periods billing.BillingPeriodRepository,
	tracker *QuotaTracker,
	catalog *billing.TierCatalog,
	metrics Metrics,
	logger *zap.Logger,
) *EnforcementGate {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &EnforcementGate{
		periods: periods,
		tracker: tracker,
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
	}
}

// Decide returns ALLOW, ALLOW_WITH_OVERAGE or REJECT for the request. The
// tier always comes from the user's open billing period. Storage errors are
// returned, never turned into a decision.
func (g *EnforcementGate) Decide(ctx context.Context, input DecideInput) (*billing.Decision, error) {
	if err := validateDecideInput(input); err != nil {
		return nil, err
	}

	period, err := g.periods.FindOpenByUser(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, &billing.NoOpenPeriodError{UserID: input.UserID}
		}
		return nil, fmt.Errorf("failed to load open billing period: %w", err)
	}
	return g.DecideForPeriod(ctx, period, input.ResourceType, input.Quantity)
}

// DecideForPeriod runs the decision against an already loaded open period
func (g *EnforcementGate) DecideForPeriod(
	ctx context.Context,
	period *billing.BillingPeriod,
	rt billing.ResourceType,
	quantity int64,
) (*billing.Decision, error) {
	tier, err := g.catalog.GetTier(period.TierID)
	if err != nil {
		return nil, err
	}

	remaining, _, err := g.tracker.GetRemaining(ctx, period.UserID, period.ID, rt)
	if err != nil {
		return nil, err
	}

	var hint *billing.TierDefinition
	if next, ok := g.catalog.NextTierAbove(tier.ID); ok {
		hint = &next
	}

	decision := billing.Decide(tier, rt, remaining, quantity, hint)
	g.metrics.RecordDecision(ctx, rt, decision.Outcome)

	g.logger.Debug("enforcement decision",
		zap.String("user_id", period.UserID.String()),
		zap.String("period_id", period.ID.String()),
		zap.String("tier_id", tier.ID.String()),
		zap.String("resource_type", rt.String()),
		zap.Int64("requested", quantity),
		zap.Stringer("remaining", remaining),
		zap.String("outcome", decision.Outcome.String()))
	return decision, nil
}

func validateDecideInput(input DecideInput) error {
	if !input.ResourceType.IsValid() {
		return shared.NewDomainError("INVALID_RESOURCE_TYPE", fmt.Sprintf("invalid resource type: %s", input.ResourceType))
	}
	if input.Quantity < 0 {
		return shared.NewDomainError("INVALID_QUANTITY", "Quantity cannot be negative")
	}
	return nil
}
