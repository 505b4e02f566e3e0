package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Invoice events are a few kilobytes.
const maxWebhookPayloadSize = 64 << 10

// StripeWebhookHandler settles overage invoices from Stripe invoice events.
// The route carries no JWT: the Stripe-Signature header authenticates it.
type StripeWebhookHandler struct {
	BaseHandler
	processor WebhookProcessor
}

func NewStripeWebhookHandler(processor WebhookProcessor) *StripeWebhookHandler {
	return &StripeWebhookHandler{processor: processor}
}

// StripeWebhookResponse acknowledges a webhook delivery
type StripeWebhookResponse struct {
	Received  bool   `json:"received" example:"true"`
	Processed bool   `json:"processed" example:"true"`
	EventID   string `json:"event_id,omitempty" example:"evt_1234567890"`
	EventType string `json:"event_type,omitempty" example:"invoice.payment_failed"`
	Message   string `json:"message,omitempty" example:"Charge outcome recorded"`
}

// HandleStripeWebhook godoc
//
//	@ID				handleStripeWebhook
//	@Summary		Handle Stripe webhook
//	@Description	Records invoice.paid and invoice.payment_failed as the charge outcome of the matching overage invoice.
//	@Description	Deliveries that verify are always acknowledged with 200 so Stripe stops retrying; processed=false means the event changed nothing.
//	@Tags			webhooks
//	@Accept			json
//	@Produce		json
//	@Param			Stripe-Signature	header		string					true	"Stripe webhook signature"
//	@Success		200					{object}	StripeWebhookResponse
//	@Failure		400					{object}	StripeWebhookResponse	"Unreadable body"
//	@Failure		401					{object}	StripeWebhookResponse	"Missing or invalid signature"
//	@Failure		413					{object}	StripeWebhookResponse	"Payload too large"
//	@Router			/webhooks/stripe [post]
func (h *StripeWebhookHandler) HandleStripeWebhook(c *gin.Context) {
	// The signature covers the exact bytes, so the body is read raw.
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadSize+1))
	switch {
	case err != nil:
		refuseWebhook(c, http.StatusBadRequest, "Failed to read request body")
		return
	case len(payload) > maxWebhookPayloadSize:
		refuseWebhook(c, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		refuseWebhook(c, http.StatusUnauthorized, "Missing Stripe-Signature header")
		return
	}

	result, err := h.processor.ProcessWebhook(c.Request.Context(), payload, signature)
	if result == nil {
		// Only verification failures come back without a result
		refuseWebhook(c, http.StatusUnauthorized, "Webhook signature verification failed")
		return
	}

	resp := StripeWebhookResponse{
		Received:  true,
		Processed: result.Processed && err == nil,
		EventID:   result.EventID,
		EventType: result.EventType,
		Message:   result.Message,
	}
	if err != nil {
		// Retrying the same event cannot succeed, so it is acknowledged.
		logger.FromContext(c.Request.Context()).Warn("Stripe webhook not applied",
			zap.String("event_id", result.EventID),
			zap.String("event_type", result.EventType),
			zap.Error(err))
		resp.Message = "Event received but not applied"
	}
	c.JSON(http.StatusOK, resp)
}

func refuseWebhook(c *gin.Context, status int, msg string) {
	c.JSON(status, StripeWebhookResponse{Message: msg})
}
