package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
	"github.com/lexmeter/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// BaseHandler renders the shared response envelope. Helpers that return a
// bool have already written the error response when they return false.
type BaseHandler struct{}

func getRequestID(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	return c.GetHeader(middleware.RequestIDHeader)
}

// requireUser returns the authenticated caller or answers 401
func (h *BaseHandler) requireUser(c *gin.Context) (uuid.UUID, bool) {
	id, err := middleware.GetUserUUID(c)
	if err != nil {
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Authentication required")
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit reads ?limit=, zero when absent. Anything but a non-negative
// integer answers 400.
func (h *BaseHandler) queryLimit(c *gin.Context) (int, bool) {
	raw, present := c.GetQuery("limit")
	if !present || raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		h.BadRequest(c, "Invalid limit")
		return 0, false
	}
	return limit, true
}

func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// SuccessList wraps data with its total and the limit that produced it
func (h *BaseHandler) SuccessList(c *gin.Context, data any, total int64, limit int) {
	c.JSON(http.StatusOK, dto.NewListResponse(data, total, limit))
}

func (h *BaseHandler) Error(c *gin.Context, status int, code, message string) {
	c.JSON(status, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

func (h *BaseHandler) Forbidden(c *gin.Context, message string) {
	h.Error(c, http.StatusForbidden, dto.ErrCodeForbidden, message)
}

// ValidationError renders binding failures with per-field details
func (h *BaseHandler) ValidationError(c *gin.Context, err error) {
	middleware.HandleValidationError(c, err)
}

// HandleError renders a service error through dto.MapError. Anything that
// maps to a 5xx is logged, its text never reaches the client.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	mapped := dto.MapError(err)
	if mapped.Status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(mapped.Status, mapped.Response(getRequestID(c)))
}
