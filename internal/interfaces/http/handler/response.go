package handler

import (
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
)

// The types below only describe response bodies for swag. Handlers write
// dto.Response, which has the same JSON shape.

// APIResponse is a success body whose data field has type T
type APIResponse[T any] struct {
	Success bool      `json:"success" example:"true"`
	Data    T         `json:"data"`
	Meta    *dto.Meta `json:"meta,omitempty"`
}

// ErrorResponse is the body of every 4xx and 5xx
type ErrorResponse struct {
	Success bool           `json:"success" example:"false"`
	Error   *dto.ErrorInfo `json:"error"`
}

// QuotaExceededResponse is the 429 body sent when a hard cap rejects a
// request. error.context holds the gate decision, including the upgrade hint.
type QuotaExceededResponse struct {
	Success bool                  `json:"success" example:"false"`
	Error   *QuotaExceededDetails `json:"error"`
}

// QuotaExceededDetails narrows dto.ErrorInfo to the quota rejection
type QuotaExceededDetails struct {
	Code      string            `json:"code" example:"ERR_QUOTA_EXCEEDED"`
	Message   string            `json:"message" example:"video quota exhausted"`
	RequestID string            `json:"request_id,omitempty"`
	Context   *billing.Decision `json:"context"`
}
