package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// gateway's own endpoints are static routes and take precedence over the
// catch-all dispatcher.
func RegisterRoutes(e *echo.Echo, dispatcher *Dispatcher, health *HealthHandler) {
	e.GET("/health", health.Health)
	e.GET("/api/version", health.Version)

	e.Any("/*", dispatcher.Handle)
}
