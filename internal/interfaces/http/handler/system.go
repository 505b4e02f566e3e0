package handler

import (
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lexmeter/backend/internal/domain/billing"
)

// SystemConfig describes what the system endpoints report about the running service
type SystemConfig struct {
	Name         string
	Version      string
	Catalog      *billing.TierCatalog
	RolloverCron string // empty when the scheduler is disabled
}

// SystemHandler reports build and catalog information
type SystemHandler struct {
	BaseHandler
	cfg     SystemConfig
	started time.Time
	now     func() time.Time
}

func NewSystemHandler(cfg SystemConfig) *SystemHandler {
	return &SystemHandler{cfg: cfg, started: time.Now(), now: time.Now}
}

// SystemInfoResponse is the body of GET /system/info
// @name HandlerSystemInfoResponse
type SystemInfoResponse struct {
	Name             string   `json:"name" example:"lexmeter"`
	Version          string   `json:"version" example:"1.0.0"`
	GoVersion        string   `json:"go_version" example:"go1.25.5"`
	Uptime           string   `json:"uptime" example:"1h30m45s"`
	ServerTime       string   `json:"server_time" example:"2026-01-23T12:00:00Z"`
	Tiers            []string `json:"tiers" example:"STARTER,PROFESSIONAL"`
	ResourceTypes    []string `json:"resource_types" example:"video,document"`
	RolloverSchedule string   `json:"rollover_schedule,omitempty" example:"0 2 * * *"`
}

// GetSystemInfo godoc
// @ID           getSystemSystemInfo
// @Summary      Get system information
// @Description  Returns the build, the configured tiers and the rollover schedule. Period boundaries are computed against server_time.
// @Tags         system
// @Produce      json
// @Success      200 {object} APIResponse[SystemInfoResponse]
// @Router       /system/info [get]
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	info := SystemInfoResponse{
		Name:             h.cfg.Name,
		Version:          h.cfg.Version,
		GoVersion:        runtime.Version(),
		Uptime:           h.now().Sub(h.started).Round(time.Second).String(),
		ServerTime:       h.now().UTC().Format(time.RFC3339),
		Tiers:            []string{},
		RolloverSchedule: h.cfg.RolloverCron,
	}
	if h.cfg.Catalog != nil {
		for _, tier := range h.cfg.Catalog.Tiers() {
			info.Tiers = append(info.Tiers, tier.ID.String())
		}
	}
	for _, rt := range billing.AllResourceTypes() {
		info.ResourceTypes = append(info.ResourceTypes, rt.String())
	}
	h.Success(c, info)
}

// PingResponse is the body of GET /system/ping
// @name HandlerPingResponse
type PingResponse struct {
	Message   string `json:"message" example:"pong"`
	Timestamp string `json:"timestamp" example:"2026-01-23T12:00:00Z"`
}

// Ping godoc
// @ID           pingSystem
// @Summary      Ping the API
// @Tags         system
// @Produce      json
// @Success      200 {object} APIResponse[PingResponse]
// @Router       /system/ping [get]
func (h *SystemHandler) Ping(c *gin.Context) {
	h.Success(c, PingResponse{Message: "pong", Timestamp: h.now().UTC().Format(time.RFC3339)})
}
