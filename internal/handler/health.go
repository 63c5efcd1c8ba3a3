package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"guardian-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// gatewayName is reported by the version endpoint.
const gatewayName = "GuardianCare API Gateway"

// HealthHandler serves the gateway's own status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, now: time.Now}
}

// Health reports liveness together with the configured upstream addresses.
// It never calls the upstreams.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "UP",
		"message":   "API Gateway is running",
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
		"services": map[string]string{
			config.ServiceAuth:    h.cfg.Services.Auth,
			config.ServiceElderly: h.cfg.Services.Elderly,
			config.ServiceCheckIn: h.cfg.Services.CheckIn,
			config.ServiceASR:     h.cfg.Services.ASR,
			config.ServiceLLM:     h.cfg.Services.LLM,
		},
	})
}

// Version returns the gateway build version.
func (h *HealthHandler) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": string(h.version),
		"name":    gatewayName,
	})
}
