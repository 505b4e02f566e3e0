package billing

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
)

// UnknownTierError is returned when a tier id is not in the catalog
type UnknownTierError struct {
	TierID TierID
}

// Error implements the error interface
func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier: %s", e.TierID)
}

// HTTPStatusCode returns the HTTP status code for this error
func (e *UnknownTierError) HTTPStatusCode() int {
	return http.StatusNotFound
}

// PeriodAlreadyClosedError is returned when a period is closed a second time.
// It is fatal: callers must not retry.
type PeriodAlreadyClosedError struct {
	PeriodID uuid.UUID
	Status   PeriodStatus
}

// Error implements the error interface
func (e *PeriodAlreadyClosedError) Error() string {
	return fmt.Sprintf("billing period %s is already %s", e.PeriodID, e.Status)
}

// HTTPStatusCode returns the HTTP status code for this error
func (e *PeriodAlreadyClosedError) HTTPStatusCode() int {
	return http.StatusConflict
}

// QuotaExceededError is returned when a hard-capped quota rejects a request
type QuotaExceededError struct {
	Decision *Decision
}

// Error implements the error interface
func (e *QuotaExceededError) Error() string {
	d := e.Decision
	msg := fmt.Sprintf("quota exceeded for %s: requested %d, remaining %s",
		d.ResourceType, d.Requested, d.Remaining)
	if d.UpgradeHint != nil {
		msg += fmt.Sprintf(", upgrade to %s", *d.UpgradeHint)
	}
	return msg
}

// HTTPStatusCode returns the HTTP status code for this error
func (e *QuotaExceededError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

// NoOpenPeriodError is returned when a user has no OPEN billing period
type NoOpenPeriodError struct {
	UserID uuid.UUID
}

// Error implements the error interface
func (e *NoOpenPeriodError) Error() string {
	return fmt.Sprintf("user %s has no open billing period", e.UserID)
}

// HTTPStatusCode returns the HTTP status code for this error
func (e *NoOpenPeriodError) HTTPStatusCode() int {
	return http.StatusPaymentRequired
}

// ErrActivePeriodExists is returned when subscribing a user who already has an OPEN period
var ErrActivePeriodExists = shared.NewDomainError("ACTIVE_PERIOD_EXISTS", "User already has an open billing period")
