package dto

import "net/http"

// API error codes. Every code the API emits is listed in statusByCode.
const (
	ErrCodeInternal   = "ERR_INTERNAL"
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput rejects a well-formed request with bad values
	ErrCodeInvalidInput    = "ERR_INVALID_INPUT"
	ErrCodeValidation      = "ERR_VALIDATION"
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
	ErrCodeRateLimited     = "ERR_RATE_LIMITED"

	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeForbidden    = "ERR_FORBIDDEN"
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	ErrCodeTokenInvalid = "ERR_TOKEN_INVALID"
	// ErrCodeTokenRevoked means the account service revoked the token
	ErrCodeTokenRevoked = "ERR_TOKEN_REVOKED"

	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	ErrCodeInvalidState  = "ERR_INVALID_STATE"
	// ErrCodeRequestInProgress means an earlier request with the same
	// idempotency key has not finished
	ErrCodeRequestInProgress = "ERR_REQUEST_IN_PROGRESS"

	ErrCodeUnknownTier = "ERR_UNKNOWN_TIER"
	// ErrCodeQuotaExceeded carries the enforcement decision as context
	ErrCodeQuotaExceeded       = "ERR_QUOTA_EXCEEDED"
	ErrCodePeriodAlreadyClosed = "ERR_PERIOD_ALREADY_CLOSED"
	ErrCodeNoOpenPeriod        = "ERR_NO_OPEN_PERIOD"
	ErrCodeActivePeriodExists  = "ERR_ACTIVE_PERIOD_EXISTS"
	ErrCodeSameTier            = "ERR_SAME_TIER"
	ErrCodeNoPendingTierChange = "ERR_NO_PENDING_TIER_CHANGE"
	ErrCodeNoPaymentProcessor  = "ERR_NO_PAYMENT_PROCESSOR"
	ErrCodeRolloverInProgress  = "ERR_ROLLOVER_IN_PROGRESS"
	ErrCodeSchedulerDisabled   = "ERR_SCHEDULER_DISABLED"
)

var statusByCode = map[string]int{
	ErrCodeInternal:        http.StatusInternalServerError,
	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidInput:    http.StatusBadRequest,
	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrCodeRateLimited:     http.StatusTooManyRequests,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeTokenInvalid: http.StatusUnauthorized,
	ErrCodeTokenRevoked: http.StatusUnauthorized,

	ErrCodeNotFound:          http.StatusNotFound,
	ErrCodeAlreadyExists:     http.StatusConflict,
	ErrCodeInvalidState:      http.StatusUnprocessableEntity,
	ErrCodeRequestInProgress: http.StatusConflict,

	ErrCodeUnknownTier:         http.StatusNotFound,
	ErrCodeQuotaExceeded:       http.StatusTooManyRequests,
	ErrCodePeriodAlreadyClosed: http.StatusConflict,
	ErrCodeNoOpenPeriod:        http.StatusPaymentRequired,
	ErrCodeActivePeriodExists:  http.StatusConflict,
	ErrCodeSameTier:            http.StatusUnprocessableEntity,
	ErrCodeNoPendingTierChange: http.StatusNotFound,
	ErrCodeNoPaymentProcessor:  http.StatusServiceUnavailable,
	ErrCodeRolloverInProgress:  http.StatusConflict,
	ErrCodeSchedulerDisabled:   http.StatusServiceUnavailable,
}

// apiCodeByDomainCode translates shared.DomainError codes
var apiCodeByDomainCode = map[string]string{
	"NOT_FOUND":              ErrCodeNotFound,
	"ALREADY_EXISTS":         ErrCodeAlreadyExists,
	"INVALID_STATE":          ErrCodeInvalidState,
	"INVALID_USER":           ErrCodeInvalidInput,
	"INVALID_PERIOD":         ErrCodeInvalidInput,
	"INVALID_TIER":           ErrCodeInvalidInput,
	"INVALID_RESOURCE_TYPE":  ErrCodeInvalidInput,
	"INVALID_QUANTITY":       ErrCodeInvalidInput,
	"ACTIVE_PERIOD_EXISTS":   ErrCodeActivePeriodExists,
	"SAME_TIER":              ErrCodeSameTier,
	"NO_PENDING_TIER_CHANGE": ErrCodeNoPendingTierChange,
	"REQUEST_IN_PROGRESS":    ErrCodeRequestInProgress,
	"NO_PAYMENT_PROCESSOR":   ErrCodeNoPaymentProcessor,
	"ROLLOVER_IN_PROGRESS":   ErrCodeRolloverInProgress,
}

// StatusFor returns the HTTP status of an API error code, 500 when unknown
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// APICode translates a domain error code. Codes without a translation,
// including ones already in API form, pass through unchanged.
func APICode(code string) string {
	if api, ok := apiCodeByDomainCode[code]; ok {
		return api
	}
	return code
}
