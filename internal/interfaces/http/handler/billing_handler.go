package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// BillingHandler serves invoices and the admin period operations
type BillingHandler struct {
	BaseHandler
	closer   InvoiceCloser
	store    InvoiceStore
	rollover RolloverTrigger
}

// NewBillingHandler creates a new BillingHandler. rollover may be nil when the
// scheduler is disabled.
func NewBillingHandler(closer InvoiceCloser, store InvoiceStore, rollover RolloverTrigger) *BillingHandler {
	return &BillingHandler{closer: closer, store: store, rollover: rollover}
}

// ClosePeriod godoc
//
//	@ID				closeBillingPeriod
//	@Summary		Close a billing period
//	@Description	Closes the period and computes its overage invoice. Closing twice is rejected with 409.
//	@Tags			billing
//	@Produce		json
//	@Param			id	path		string	true	"Billing period ID"	format(uuid)
//	@Success		200	{object}	APIResponse[InvoiceResponse]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse	"Period already closed"
//	@Security		BearerAuth
//	@Router			/billing/periods/{id}/close [post]
func (h *BillingHandler) ClosePeriod(c *gin.Context) {
	periodID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid period ID")
		return
	}

	ctx := c.Request.Context()
	period, err := h.store.Period(ctx, periodID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	invoice, err := h.closer.ClosePeriod(ctx, period.UserID, periodID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	logger.FromContext(ctx).Info("billing period closed by admin",
		zap.String("period_id", periodID.String()),
		zap.String("invoice_id", invoice.ID.String()))
	h.Success(c, toInvoiceResponse(invoice))
}

// ReplayInvoice godoc
//
//	@ID				replayInvoice
//	@Summary		Replay an invoice
//	@Description	Recomputes a closed period's invoice from the usage ledger and compares it with the stored one
//	@Tags			billing
//	@Produce		json
//	@Param			id	path		string	true	"Billing period ID"	format(uuid)
//	@Success		200	{object}	APIResponse[ReplayResponse]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse	"Period still open"
//	@Security		BearerAuth
//	@Router			/billing/periods/{id}/replay [get]
func (h *BillingHandler) ReplayInvoice(c *gin.Context) {
	periodID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid period ID")
		return
	}

	ctx := c.Request.Context()
	period, err := h.store.Period(ctx, periodID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	replayed, err := h.closer.ReplayInvoice(ctx, period.UserID, periodID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := ReplayResponse{Replayed: toInvoiceResponse(replayed)}
	stored, err := h.store.InvoiceForPeriod(ctx, periodID)
	switch {
	case err == nil:
		s := toInvoiceResponse(stored)
		resp.Stored = &s
		resp.Consistent = stored.SameCharges(replayed)
	case errors.Is(err, shared.ErrNotFound):
	default:
		h.HandleError(c, err)
		return
	}

	if resp.Stored != nil && !resp.Consistent {
		logger.FromContext(ctx).Warn("invoice replay differs from stored invoice",
			zap.String("period_id", periodID.String()),
			zap.String("stored_total", stored.Total.String()),
			zap.String("replayed_total", replayed.Total.String()))
	}
	h.Success(c, resp)
}

// RunRollover godoc
//
//	@ID				runRollover
//	@Summary		Run the rollover sweep
//	@Description	Closes expired periods, opens their successors and submits pending invoices now instead of waiting for the schedule
//	@Tags			billing
//	@Produce		json
//	@Success		200	{object}	APIResponse[appbilling.RolloverResult]
//	@Failure		403	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse	"Sweep already running"
//	@Failure		503	{object}	ErrorResponse	"Scheduler disabled"
//	@Security		BearerAuth
//	@Router			/billing/rollover [post]
func (h *BillingHandler) RunRollover(c *gin.Context) {
	if h.rollover == nil {
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeSchedulerDisabled, "Rollover scheduler is not enabled")
		return
	}

	result, err := h.rollover.RunNow(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// RecordChargeOutcome godoc
//
//	@ID				recordChargeOutcome
//	@Summary		Record a charge outcome
//	@Description	Stores the payment processor's asynchronous result on an invoice. The period status is unchanged.
//	@Tags			billing
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Invoice ID"	format(uuid)
//	@Param			request	body		ChargeOutcomeRequest	true	"Outcome"
//	@Success		200		{object}	APIResponse[InvoiceResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse	"Invoice not submitted"
//	@Security		BearerAuth
//	@Router			/billing/invoices/{id}/charge-outcome [post]
func (h *BillingHandler) RecordChargeOutcome(c *gin.Context) {
	invoiceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid invoice ID")
		return
	}

	var req ChargeOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	invoice, err := h.store.RecordChargeOutcome(c.Request.Context(), invoiceID, *req.Paid, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toInvoiceResponse(invoice))
}

// ListInvoices godoc
//
//	@ID				listInvoices
//	@Summary		List my invoices
//	@Description	Returns the caller's overage invoices, newest first
//	@Tags			billing
//	@Produce		json
//	@Param			limit	query		int	false	"Maximum invoices"	default(100)
//	@Success		200		{object}	APIResponse[[]InvoiceResponse]
//	@Security		BearerAuth
//	@Router			/billing/invoices [get]
func (h *BillingHandler) ListInvoices(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	limit, ok := h.queryLimit(c)
	if !ok {
		return
	}

	invoices, err := h.store.Invoices(c.Request.Context(), userID, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		resp = append(resp, toInvoiceResponse(inv))
	}
	h.SuccessList(c, resp, int64(len(resp)), limit)
}
