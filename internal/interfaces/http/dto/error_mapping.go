package dto

import (
	"errors"
	"net/http"

	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/domain/shared"
)

// MappedError is a service error translated for the API
type MappedError struct {
	Status  int
	Code    string
	Message string
	Context any
}

// MapError converts a service error into its HTTP status and API error code.
// Errors that are neither typed billing errors nor domain errors map to 500
// without exposing their text.
func MapError(err error) MappedError {
	var (
		quotaErr  *billing.QuotaExceededError
		tierErr   *billing.UnknownTierError
		closedErr *billing.PeriodAlreadyClosedError
		noOpenErr *billing.NoOpenPeriodError
		domainErr *shared.DomainError
	)

	switch {
	case errors.As(err, &quotaErr):
		return MappedError{
			Status:  quotaErr.HTTPStatusCode(),
			Code:    ErrCodeQuotaExceeded,
			Message: quotaErr.Error(),
			Context: quotaErr.Decision,
		}
	case errors.As(err, &tierErr):
		return MappedError{Status: tierErr.HTTPStatusCode(), Code: ErrCodeUnknownTier, Message: tierErr.Error()}
	case errors.As(err, &closedErr):
		return MappedError{Status: closedErr.HTTPStatusCode(), Code: ErrCodePeriodAlreadyClosed, Message: closedErr.Error()}
	case errors.As(err, &noOpenErr):
		return MappedError{Status: noOpenErr.HTTPStatusCode(), Code: ErrCodeNoOpenPeriod, Message: noOpenErr.Error()}
	case errors.As(err, &domainErr):
		code := APICode(domainErr.Code)
		return MappedError{Status: StatusFor(code), Code: code, Message: domainErr.Message}
	default:
		return MappedError{
			Status:  http.StatusInternalServerError,
			Code:    ErrCodeInternal,
			Message: "An unexpected error occurred",
		}
	}
}

// Response builds the error envelope for the mapped error
func (m MappedError) Response(requestID string) Response {
	return NewErrorResponseWithContext(m.Code, m.Message, requestID, m.Context)
}
