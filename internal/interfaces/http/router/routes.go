package router

import (
	"github.com/gin-gonic/gin"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/interfaces/http/handler"
	"github.com/lexmeter/backend/internal/interfaces/http/middleware"
)

// Handlers are the HTTP handlers served under /api/v1
type Handlers struct {
	Tier         *handler.TierHandler
	Subscription *handler.SubscriptionHandler
	Usage        *handler.UsageHandler
	Upload       *handler.UploadHandler
	Billing      *handler.BillingHandler
	Webhook      *handler.StripeWebhookHandler
	System       *handler.SystemHandler
}

// Guards are the middleware placed in front of the authenticated routes.
// Nil entries are skipped.
type Guards struct {
	// Auth resolves the caller identity
	Auth gin.HandlerFunc
	// Admin restricts the period and rollover operations
	Admin gin.HandlerFunc
	// RateLimit throttles authenticated callers
	RateLimit gin.HandlerFunc
	// Quota gates resource-consuming handlers
	Quota middleware.QuotaAuthorizer
}

// MeteringRoutes builds the route groups of the metering API
func MeteringRoutes(h Handlers, g Guards) []RouteRegistrar {
	tiers := NewRouteGroup("/tiers").
		GET("", h.Tier.ListTiers).
		GET("/:id", h.Tier.GetTier)

	webhooks := NewRouteGroup("/webhooks").
		POST("/stripe", h.Webhook.HandleStripeWebhook)

	system := NewRouteGroup("/system").
		GET("/ping", h.System.Ping).
		GET("/info", h.System.GetSystemInfo)

	subscriptions := NewRouteGroup("/subscriptions").
		Use(g.Auth, g.RateLimit).
		POST("", h.Subscription.Subscribe).
		PUT("/tier", h.Subscription.ChangeTier).
		POST("/tier/scheduled", h.Subscription.ScheduleTierChange).
		DELETE("/tier/scheduled", h.Subscription.CancelTierChange).
		GET("/current", h.Subscription.GetCurrentPeriod)

	usage := NewRouteGroup("/usage").
		Use(g.Auth, g.RateLimit).
		POST("/decide", h.Usage.Decide).
		POST("/events", h.Usage.RecordUsage).
		GET("/events", h.Usage.ListEvents).
		GET("/remaining/:resource", h.Usage.GetRemaining).
		GET("/summary", h.Usage.GetSummary)

	var storageGate gin.HandlerFunc
	if g.Quota != nil {
		storageGate = middleware.EnforceQuota(g.Quota, billing.ResourceStorageDelta, handler.UploadQuantity)
	}
	uploads := NewRouteGroup("/uploads").
		Use(g.Auth, g.RateLimit).
		POST("/prepare", storageGate, h.Upload.PrepareUpload).
		POST("/confirm", h.Upload.ConfirmUpload)

	billingGroup := NewRouteGroup("/billing").
		Use(g.Auth, g.RateLimit).
		GET("/invoices", h.Billing.ListInvoices)
	billingGroup.Sub("").
		Use(g.Admin).
		POST("/periods/:id/close", h.Billing.ClosePeriod).
		GET("/periods/:id/replay", h.Billing.ReplayInvoice).
		POST("/rollover", h.Billing.RunRollover).
		POST("/invoices/:id/charge-outcome", h.Billing.RecordChargeOutcome)

	return []RouteRegistrar{tiers, webhooks, system, subscriptions, usage, uploads, billingGroup}
}
