package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/lexmeter/backend/internal/domain/billing"
)

// TierHandler serves the tier catalog. The routes are public.
type TierHandler struct {
	BaseHandler
	catalog *billing.TierCatalog
}

// NewTierHandler creates a new TierHandler
func NewTierHandler(catalog *billing.TierCatalog) *TierHandler {
	return &TierHandler{catalog: catalog}
}

// ListTiers godoc
//
//	@ID				listTiers
//	@Summary		List tiers
//	@Description	Returns every subscription tier, cheapest first, with its per-resource quotas
//	@Tags			tiers
//	@Produce		json
//	@Success		200	{object}	APIResponse[[]TierResponse]
//	@Router			/tiers [get]
func (h *TierHandler) ListTiers(c *gin.Context) {
	tiers := h.catalog.Tiers()
	resp := make([]TierResponse, 0, len(tiers))
	for _, t := range tiers {
		resp = append(resp, toTierResponse(t))
	}
	h.SuccessList(c, resp, int64(len(resp)), 0)
}

// GetTier godoc
//
//	@ID				getTier
//	@Summary		Get tier
//	@Description	Returns one tier of the catalog
//	@Tags			tiers
//	@Produce		json
//	@Param			id	path		string	true	"Tier ID"	example(PROFESSIONAL)
//	@Success		200	{object}	APIResponse[TierResponse]
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tiers/{id} [get]
func (h *TierHandler) GetTier(c *gin.Context) {
	tier, err := h.catalog.GetTier(billing.TierID(c.Param("id")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toTierResponse(tier))
}
