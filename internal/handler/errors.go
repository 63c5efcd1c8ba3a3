package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"guardian-gateway/internal/config"
	"guardian-gateway/internal/model"
	"guardian-gateway/internal/routing"
	"guardian-gateway/internal/service"
)

// mapProxyError converts a forwarder failure into the 502 error envelope.
func (d *Dispatcher) mapProxyError(c echo.Context, route *routing.Route, err error) error {
	req := c.Request()

	pe, ok := service.IsProxyError(err)
	if !ok {
		pe = &service.ProxyError{Code: service.CodeProtocol, Target: route.Upstream.String(), Err: err}
	}

	d.logger.Error("proxy error",
		"method", req.Method,
		"path", req.URL.Path,
		"route", route.Prefix,
		"service", route.Service,
		"target", pe.Target,
		"code", pe.Code,
		"attempts", pe.Attempts,
		"error", pe.Err,
	)

	env := model.ErrorEnvelope{
		Success: false,
		Message: "Service unavailable",
		Code:    &pe.Code,
		Target:  &pe.Target,
	}
	if d.cfg.Server.IsDevelopment() {
		env.Error = pe.Error()
	}
	return c.JSON(http.StatusBadGateway, env)
}

// NewHTTPErrorHandler returns an echo error handler that renders every error
// reaching it as the gateway error envelope. Internal errors keep their
// detail out of the response body outside development.
func NewHTTPErrorHandler(cfg *config.Config, logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Something went wrong!"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(code)
			}
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", code,
				"error", err,
			)
		}

		env := model.NewErrorEnvelope(message)
		if cfg.Server.IsDevelopment() && code >= http.StatusInternalServerError {
			env.Error = err.Error()
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, env)
		}
		if err != nil {
			logger.Error("writing error response", "error", err)
		}
	}
}
