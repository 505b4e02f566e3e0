package billing

import (
	"context"
	"fmt"

	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// QuotaAlertHandler handles AlertRaised events and forwards them to the user
type QuotaAlertHandler struct {
	logger   *zap.Logger
	notifier QuotaAlertNotifier
}

// QuotaAlertNotifier delivers quota alerts to a user.
// Implementations can support different channels (in-app, email, ...).
type QuotaAlertNotifier interface {
	SendQuotaAlert(ctx context.Context, alert QuotaAlert) error
}

// QuotaAlert is the notification payload for one crossed threshold
type QuotaAlert struct {
	UserID       string `json:"user_id"`
	PeriodID     string `json:"period_id"`
	ResourceType string `json:"resource_type"`
	DisplayName  string `json:"display_name"`
	Threshold    int    `json:"threshold"`
	Used         string `json:"used"`
	Limit        string `json:"limit"`
	Severity     string `json:"severity"` // "warning", "critical", "exhausted"
}

// AlertCrossingKey identifies a threshold crossing rather than the event
// carrying it, so a re-raised alert for the same period, resource and
// threshold notifies once. Other events fall back to their event id.
func AlertCrossingKey(e shared.DomainEvent) string {
	alert, ok := e.(*billing.AlertRaisedEvent)
	if !ok {
		return "event:" + e.EventID().String()
	}
	return fmt.Sprintf("alert:%s:%s:%d", alert.PeriodID, alert.ResourceType, alert.Threshold)
}

// NewQuotaAlertHandler creates a new handler for quota alert events
func NewQuotaAlertHandler(logger *zap.Logger) *QuotaAlertHandler {
	return &QuotaAlertHandler{logger: logger}
}

// WithNotifier sets the notifier for sending alerts
func (h *QuotaAlertHandler) WithNotifier(notifier QuotaAlertNotifier) *QuotaAlertHandler {
	h.notifier = notifier
	return h
}

// EventTypes returns the event types this handler is interested in
func (h *QuotaAlertHandler) EventTypes() []string {
	return []string{billing.EventTypeAlertRaised}
}

// Handle processes an AlertRaisedEvent
func (h *QuotaAlertHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	alertEvent, ok := event.(*billing.AlertRaisedEvent)
	if !ok {
		h.logger.Error("unexpected event type",
			zap.String("expected", billing.EventTypeAlertRaised),
			zap.String("actual", event.EventType()))
		return fmt.Errorf("unexpected event type: expected %s, got %s",
			billing.EventTypeAlertRaised, event.EventType())
	}

	unit := alertEvent.ResourceType.Unit()
	alert := QuotaAlert{
		UserID:       event.UserID().String(),
		PeriodID:     alertEvent.PeriodID.String(),
		ResourceType: alertEvent.ResourceType.String(),
		DisplayName:  alertEvent.ResourceType.DisplayName(),
		Threshold:    int(alertEvent.Threshold),
		Used:         unit.FormatValue(alertEvent.Used),
		Limit:        unit.FormatValue(alertEvent.Limit),
		Severity:     severityFor(alertEvent.Threshold),
	}

	if h.notifier == nil {
		return nil
	}
	if err := h.notifier.SendQuotaAlert(ctx, alert); err != nil {
		// Delivery failure must not fail event handling; the flag is already persisted
		h.logger.Error("failed to send quota alert notification",
			zap.String("user_id", alert.UserID),
			zap.String("resource_type", alert.ResourceType),
			zap.Int("threshold", alert.Threshold),
			zap.Error(err))
		return nil
	}
	h.logger.Info("quota alert notification sent",
		zap.String("user_id", alert.UserID),
		zap.String("resource_type", alert.ResourceType),
		zap.Int("threshold", alert.Threshold))
	return nil
}

func severityFor(th billing.AlertThreshold) string {
	switch th {
	case billing.AlertThreshold100:
		return "exhausted"
	case billing.AlertThreshold95:
		return "critical"
	default:
		return "warning"
	}
}

var _ shared.EventHandler = (*QuotaAlertHandler)(nil)

// LoggingQuotaAlertNotifier writes alerts to the log. Used in development.
type LoggingQuotaAlertNotifier struct {
	logger *zap.Logger
}

// NewLoggingQuotaAlertNotifier creates a new logging notifier
func NewLoggingQuotaAlertNotifier(logger *zap.Logger) *LoggingQuotaAlertNotifier {
	return &LoggingQuotaAlertNotifier{logger: logger}
}

// SendQuotaAlert logs the alert
func (n *LoggingQuotaAlertNotifier) SendQuotaAlert(_ context.Context, alert QuotaAlert) error {
	n.logger.Warn("QUOTA ALERT",
		zap.String("severity", alert.Severity),
		zap.String("user_id", alert.UserID),
		zap.String("resource", alert.DisplayName),
		zap.Int("threshold", alert.Threshold),
		zap.String("used", alert.Used),
		zap.String("limit", alert.Limit))
	return nil
}

var _ QuotaAlertNotifier = (*LoggingQuotaAlertNotifier)(nil)

// SummaryInvalidationHandler drops cached usage summaries when a user's
// billing period opens or closes
type SummaryInvalidationHandler struct {
	cache  SummaryCache
	logger *zap.Logger
}

// NewSummaryInvalidationHandler creates a new SummaryInvalidationHandler
func NewSummaryInvalidationHandler(cache SummaryCache, logger *zap.Logger) *SummaryInvalidationHandler {
	return &SummaryInvalidationHandler{cache: cache, logger: logger}
}

// EventTypes returns the event types this handler is interested in
func (h *SummaryInvalidationHandler) EventTypes() []string {
	return []string{billing.EventTypePeriodOpened, billing.EventTypePeriodClosed}
}

// Handle invalidates the event user's summary
func (h *SummaryInvalidationHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	if err := h.cache.Invalidate(ctx, event.UserID()); err != nil {
		h.logger.Warn("failed to invalidate usage summary",
			zap.String("user_id", event.UserID().String()),
			zap.String("event_type", event.EventType()),
			zap.Error(err))
		return err
	}
	return nil
}

var _ shared.EventHandler = (*SummaryInvalidationHandler)(nil)
