package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
)

// EventRecorder is a shared.EventHandler that keeps every event it receives
type EventRecorder struct {
	mu         sync.Mutex
	eventTypes []string
	handled    []shared.DomainEvent
	err        error
}

// NewEventRecorder subscribes to eventTypes, or to everything when none are given
func NewEventRecorder(eventTypes ...string) *EventRecorder {
	return &EventRecorder{eventTypes: eventTypes}
}

// EventTypes implements shared.EventHandler
func (r *EventRecorder) EventTypes() []string {
	return r.eventTypes
}

// Handle records the event and returns the configured error
func (r *EventRecorder) Handle(_ context.Context, event shared.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, event)
	return r.err
}

// Handled returns a copy of everything recorded, in delivery order
func (r *EventRecorder) Handled() []shared.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.DomainEvent, len(r.handled))
	copy(out, r.handled)
	return out
}

// Count returns the number of recorded events
func (r *EventRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

// OfType returns the recorded events of one type
func (r *EventRecorder) OfType(eventType string) []shared.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.DomainEvent
	for _, e := range r.handled {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Alerts returns the recorded quota alerts for one user and resource
func (r *EventRecorder) Alerts(userID uuid.UUID, rt billing.ResourceType) []billing.AlertThreshold {
	var out []billing.AlertThreshold
	for _, e := range r.OfType(billing.EventTypeAlertRaised) {
		alert, ok := e.(*billing.AlertRaisedEvent)
		if !ok || alert.UserID() != userID || alert.ResourceType != rt {
			continue
		}
		out = append(out, alert.Threshold)
	}
	return out
}

// SetError makes Handle fail with err
func (r *EventRecorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Reset drops everything recorded and clears the error
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = nil
	r.err = nil
}

var _ shared.EventHandler = (*EventRecorder)(nil)

// NewTestEvent builds a bare event of eventType owned by userID
func NewTestEvent(eventType string, userID uuid.UUID) shared.DomainEvent {
	e := shared.NewBaseDomainEvent(eventType, "TestAggregate", uuid.New(), userID)
	return &e
}

// WaitForCondition polls condition until it holds or timeout passes
func WaitForCondition(t *testing.T, condition func() bool, timeout, interval time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

// WaitForEventCount waits until the recorder holds at least n events
func WaitForEventCount(t *testing.T, r *EventRecorder, n int, timeout time.Duration) bool {
	t.Helper()
	return WaitForCondition(t, func() bool { return r.Count() >= n }, timeout, 10*time.Millisecond)
}
