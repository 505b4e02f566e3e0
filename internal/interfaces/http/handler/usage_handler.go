package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
)

// UsageHandler exposes the enforcement gate and the usage ledger
type UsageHandler struct {
	BaseHandler
	service UsageService
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(service UsageService) *UsageHandler {
	return &UsageHandler{service: service}
}

// Decide godoc
//
//	@ID				decideUsage
//	@Summary		Ask the quota gate
//	@Description	Returns ALLOW, ALLOW_WITH_OVERAGE or REJECT for a prospective consumption without recording anything.
//	@Description	A REJECT is a normal answer and is returned with 200.
//	@Tags			usage
//	@Accept			json
//	@Produce		json
//	@Param			request	body		DecideRequest	true	"Prospective consumption"
//	@Success		200		{object}	APIResponse[billing.Decision]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		402		{object}	ErrorResponse	"No open period"
//	@Security		BearerAuth
//	@Router			/usage/decide [post]
func (h *UsageHandler) Decide(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	decision, err := h.service.Estimate(c.Request.Context(), appbilling.DecideInput{
		UserID:       userID,
		ResourceType: billing.ResourceType(req.ResourceType),
		Quantity:     req.Quantity,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, decision)
}

// RecordUsage godoc
//
//	@ID				recordUsage
//	@Summary		Record usage
//	@Description	Appends a usage event to the ledger and increments the quota counter.
//	@Description	A repeated idempotency_key returns the original event with duplicate=true.
//	@Tags			usage
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ConsumeRequest	true	"Completed resource action"
//	@Success		201		{object}	APIResponse[ConsumeResponse]
//	@Success		200		{object}	APIResponse[ConsumeResponse]	"Duplicate"
//	@Failure		400		{object}	ErrorResponse
//	@Failure		402		{object}	ErrorResponse	"No open period"
//	@Failure		409		{object}	ErrorResponse	"Same key still in flight"
//	@Security		BearerAuth
//	@Router			/usage/events [post]
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	input := appbilling.ConsumeInput{
		UserID:         userID,
		ResourceType:   billing.ResourceType(req.ResourceType),
		Quantity:       req.Quantity,
		CostRelevant:   req.CostRelevant,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.OccurredAt != nil {
		input.OccurredAt = *req.OccurredAt
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && input.IdempotencyKey == "" {
		input.IdempotencyKey = key
	}

	result, err := h.service.Consume(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := toConsumeResponse(result)
	if result.Duplicate {
		h.Success(c, resp)
		return
	}
	h.Created(c, resp)
}

// ListEvents godoc
//
//	@ID				listUsageEvents
//	@Summary		List usage events
//	@Description	Returns ledger events of the open period, or of period_id, in timestamp order
//	@Tags			usage
//	@Produce		json
//	@Param			period_id		query		string	false	"Billing period ID"	format(uuid)
//	@Param			resource_type	query		string	false	"Resource type"
//	@Param			limit			query		int		false	"Maximum events"	default(100)
//	@Success		200				{object}	APIResponse[[]UsageEventResponse]
//	@Failure		400				{object}	ErrorResponse
//	@Failure		402				{object}	ErrorResponse	"No open period"
//	@Failure		404				{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/events [get]
func (h *UsageHandler) ListEvents(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	input := appbilling.ListEventsInput{UserID: userID}
	if raw := c.Query("period_id"); raw != "" {
		periodID, err := uuid.Parse(raw)
		if err != nil {
			h.BadRequest(c, "Invalid period_id")
			return
		}
		input.PeriodID = &periodID
	}
	if raw := c.Query("resource_type"); raw != "" {
		rt, err := billing.ParseResourceType(raw)
		if err != nil {
			h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, err.Error())
			return
		}
		input.ResourceType = &rt
	}
	if input.Limit, ok = h.queryLimit(c); !ok {
		return
	}

	events, err := h.service.ListEvents(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := make([]UsageEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, toUsageEventResponse(e))
	}
	h.SuccessList(c, resp, int64(len(resp)), input.Limit)
}

// GetRemaining godoc
//
//	@ID				getRemainingUsage
//	@Summary		Remaining quota
//	@Description	Returns used, limit and remaining of one resource in the open period
//	@Tags			usage
//	@Produce		json
//	@Param			resource	path		string	true	"Resource type"	example(video)
//	@Success		200			{object}	APIResponse[appbilling.ResourceUsage]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		402			{object}	ErrorResponse	"No open period"
//	@Security		BearerAuth
//	@Router			/usage/remaining/{resource} [get]
func (h *UsageHandler) GetRemaining(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	rt, err := billing.ParseResourceType(c.Param("resource"))
	if err != nil {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, err.Error())
		return
	}

	usage, err := h.service.Remaining(c.Request.Context(), userID, rt)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, usage)
}

// GetSummary godoc
//
//	@ID				getUsageSummary
//	@Summary		Usage summary
//	@Description	Returns every resource of the open period with limits and remaining
//	@Tags			usage
//	@Produce		json
//	@Success		200	{object}	APIResponse[appbilling.UsageSummary]
//	@Failure		402	{object}	ErrorResponse	"No open period"
//	@Security		BearerAuth
//	@Router			/usage/summary [get]
func (h *UsageHandler) GetSummary(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), userID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summary)
}

func toConsumeResponse(result *appbilling.ConsumeResult) ConsumeResponse {
	resp := ConsumeResponse{
		EventID:   result.EventID,
		PeriodID:  result.PeriodID,
		Duplicate: result.Duplicate,
	}
	if result.Counter != nil {
		usage := appbilling.NewResourceUsage(result.Counter)
		resp.Usage = &usage
	}
	return resp
}
