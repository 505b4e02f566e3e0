package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// SubscriptionHandler manages the caller's billing periods
type SubscriptionHandler struct {
	BaseHandler
	service SubscriptionService
	now     func() time.Time
}

// NewSubscriptionHandler creates a new SubscriptionHandler
func NewSubscriptionHandler(service SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service, now: time.Now}
}

// Subscribe godoc
//
//	@ID				subscribe
//	@Summary		Subscribe to a tier
//	@Description	Opens the caller's first billing period on the given tier
//	@Tags			subscriptions
//	@Accept			json
//	@Produce		json
//	@Param			request	body		SubscribeRequest	true	"Tier to subscribe to"
//	@Success		201		{object}	APIResponse[PeriodResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse	"Unknown tier"
//	@Failure		409		{object}	ErrorResponse	"Already subscribed"
//	@Security		BearerAuth
//	@Router			/subscriptions [post]
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	period, err := h.service.Subscribe(c.Request.Context(), userID, billing.TierID(req.TierID), h.now())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("user subscribed",
		zap.String("period_id", period.ID.String()),
		zap.String("tier_id", period.TierID.String()))
	h.Created(c, toPeriodResponse(period))
}

// ChangeTier godoc
//
//	@ID				changeTier
//	@Summary		Change tier
//	@Description	Closes the current period, invoices its overage and opens a new period on the requested tier
//	@Tags			subscriptions
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ChangeTierRequest	true	"New tier"
//	@Success		200		{object}	APIResponse[TierChangeResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		402		{object}	ErrorResponse	"No open period"
//	@Failure		404		{object}	ErrorResponse	"Unknown tier"
//	@Failure		422		{object}	ErrorResponse	"Already on this tier"
//	@Security		BearerAuth
//	@Router			/subscriptions/tier [put]
func (h *SubscriptionHandler) ChangeTier(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	change, err := h.service.ChangeTier(c.Request.Context(), userID, billing.TierID(req.TierID), h.now())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := TierChangeResponse{
		ClosedPeriod: toPeriodResponse(change.ClosedPeriod),
		NewPeriod:    toPeriodResponse(change.NewPeriod),
	}
	if change.Invoice != nil {
		inv := toInvoiceResponse(change.Invoice)
		resp.Invoice = &inv
	}
	h.Success(c, resp)
}

// GetCurrentPeriod godoc
//
//	@ID				getCurrentPeriod
//	@Summary		Current billing period
//	@Description	Returns the caller's open billing period
//	@Tags			subscriptions
//	@Produce		json
//	@Success		200	{object}	APIResponse[PeriodResponse]
//	@Failure		402	{object}	ErrorResponse	"No open period"
//	@Security		BearerAuth
//	@Router			/subscriptions/current [get]
func (h *SubscriptionHandler) GetCurrentPeriod(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	period, err := h.service.CurrentPeriod(c.Request.Context(), userID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toPeriodResponse(period))
}

// ScheduleTierChange godoc
//
//	@ID				scheduleTierChange
//	@Summary		Schedule a tier change
//	@Description	Records the tier the next billing period opens on. The current period keeps its tier and quotas.
//	@Tags			subscriptions
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ChangeTierRequest	true	"Tier for the next period"
//	@Success		200		{object}	APIResponse[PeriodResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		402		{object}	ErrorResponse	"No open period"
//	@Failure		404		{object}	ErrorResponse	"Unknown tier"
//	@Failure		422		{object}	ErrorResponse	"Already on this tier"
//	@Security		BearerAuth
//	@Router			/subscriptions/tier/scheduled [post]
func (h *SubscriptionHandler) ScheduleTierChange(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	period, err := h.service.ScheduleTierChange(c.Request.Context(), userID, billing.TierID(req.TierID), h.now())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("tier change scheduled",
		zap.String("period_id", period.ID.String()),
		zap.String("tier_id", req.TierID))
	h.Success(c, toPeriodResponse(period))
}

// CancelTierChange godoc
//
//	@ID				cancelTierChange
//	@Summary		Cancel a scheduled tier change
//	@Tags			subscriptions
//	@Produce		json
//	@Success		200	{object}	APIResponse[PeriodResponse]
//	@Failure		402	{object}	ErrorResponse	"No open period"
//	@Failure		404	{object}	ErrorResponse	"Nothing scheduled"
//	@Security		BearerAuth
//	@Router			/subscriptions/tier/scheduled [delete]
func (h *SubscriptionHandler) CancelTierChange(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	period, err := h.service.CancelTierChange(c.Request.Context(), userID, h.now())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toPeriodResponse(period))
}
