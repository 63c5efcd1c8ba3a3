package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"guardian-gateway/internal/auth"
	"guardian-gateway/internal/config"
	"guardian-gateway/internal/metrics"
	"guardian-gateway/internal/model"
	"guardian-gateway/internal/ratelimit"
	"guardian-gateway/internal/routing"
	"guardian-gateway/internal/service"
)

// Gate names used in rejection metrics and logs.
const (
	gateRoute     = "route"
	gateRateLimit = "rate_limit"
	gateAuth      = "auth"
)

// Dispatcher runs every proxied request through the route, rate and auth
// gates before handing it to the forwarder. A gate that rejects ends the
// request; later gates and the upstream call never run.
type Dispatcher struct {
	table     *routing.Table
	limiter   *ratelimit.Limiter
	verifier  *auth.Verifier
	forwarder *service.Forwarder
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// throttleLog samples rate limit rejection logs; suppressed counts the
	// lines dropped since the last one written.
	throttleLog *rate.Limiter
	suppressed  atomic.Int64
}

// Rate limit rejections are logged at most this often, with a small burst.
const (
	throttleLogEvery = time.Second
	throttleLogBurst = 5
)

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(
	table *routing.Table,
	limiter *ratelimit.Limiter,
	verifier *auth.Verifier,
	forwarder *service.Forwarder,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		table:       table,
		limiter:     limiter,
		verifier:    verifier,
		forwarder:   forwarder,
		cfg:         cfg,
		logger:      logger.With("component", "dispatcher"),
		metrics:     m,
		throttleLog: rate.NewLimiter(rate.Every(throttleLogEvery), throttleLogBurst),
	}
}

// Handle dispatches one request.
func (d *Dispatcher) Handle(c echo.Context) error {
	req := c.Request()
	path := req.URL.Path

	route, upstreamPath, err := d.table.MatchURL(req.URL)
	if err != nil {
		d.reject(c, gateRoute, "not_found", nil)
		return c.JSON(http.StatusNotFound, model.NewErrorEnvelope("Route not found: "+req.URL.RequestURI()))
	}

	if d.cfg.Server.RateLimit.Enabled {
		decision := d.limiter.Admit(c.RealIP())
		setRateLimitHeaders(c.Response().Header(), decision, time.Now())
		if !decision.Allowed {
			d.reject(c, gateRateLimit, "exceeded", route)
			c.Response().Header().Set("Retry-After", strconv.Itoa(ceilSeconds(decision.RetryAfter)))
			return c.String(http.StatusTooManyRequests, rateLimitMessage(d.limiter.Window()))
		}
	}

	var claim *model.Claim
	if route.RequiresAuth() {
		claim, err = d.verifier.VerifyHeader(req.Header.Get(echo.HeaderAuthorization))
		if err != nil {
			d.reject(c, gateAuth, auth.Reason(err), route)
			if errors.Is(err, auth.ErrMissingCredential) {
				return c.JSON(http.StatusUnauthorized, model.NewErrorEnvelope("Authentication token required"))
			}
			return c.JSON(http.StatusForbidden, model.NewErrorEnvelope("Invalid or expired token"))
		}
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		RemoteIP:      remoteIP(req.RemoteAddr),
		Host:          req.Host,
		Proto:         c.Scheme(),
		RequestID:     c.Response().Header().Get(echo.HeaderXRequestID),
		Claim:         claim,
	}

	if c.IsWebSocket() {
		return d.relay(c, route, upstreamPath, pr)
	}

	if err := d.prepareBody(req, pr); err != nil {
		var ce *clientBodyError
		if errors.As(err, &ce) {
			d.logger.Warn("rejected request body",
				"method", req.Method,
				"path", path,
				"error", ce.Err,
			)
			return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{
				Success: false,
				Message: ce.Message,
				Error:   ce.Err.Error(),
			})
		}
		return err
	}

	resp, err := d.forwarder.Forward(route, upstreamPath, pr)
	if err != nil {
		return d.mapProxyError(c, route, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for k, vs := range resp.Header {
		dst[k] = vs
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent; a failure here can only truncate
	// the body.
	if err := stream(c.Response(), resp.Body); err != nil {
		d.logger.Error("streaming response body",
			"error", err,
			"method", req.Method,
			"path", path,
			"service", route.Service,
		)
	}
	return nil
}

func (d *Dispatcher) relay(c echo.Context, route *routing.Route, upstreamPath string, pr *model.ProxyRequest) error {
	err := d.forwarder.Relay(c.Response(), c.Request(), route, upstreamPath, pr)
	if err == nil {
		return nil
	}
	if _, ok := service.IsProxyError(err); ok {
		return d.mapProxyError(c, route, err)
	}
	// The client handshake failed and has already been answered.
	d.logger.Warn("websocket upgrade failed",
		"path", pr.Path,
		"service", route.Service,
		"error", err,
	)
	return nil
}

// clientBodyError is a malformed inbound payload.
type clientBodyError struct {
	Message string
	Err     error
}

func (e *clientBodyError) Error() string {
	return e.Message + ": " + e.Err.Error()
}

// prepareBody buffers payloads of known length up to the configured limit so
// that they can be validated and replayed on retry. Anything else is
// streamed through untouched.
func (d *Dispatcher) prepareBody(req *http.Request, pr *model.ProxyRequest) error {
	if req.Body == nil || req.Body == http.NoBody || req.ContentLength == 0 {
		pr.Buffered = true
		return nil
	}
	if req.ContentLength < 0 || req.ContentLength > d.cfg.Upstream.BufferMaxBytes {
		pr.Body = req.Body
		return nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return &clientBodyError{Message: "Invalid request body", Err: err}
	}
	if isJSON(req.Header.Get(echo.HeaderContentType)) {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return &clientBodyError{Message: "Invalid JSON payload", Err: err}
		}
	}

	pr.Buffered = true
	pr.BufferedBody = body
	pr.ContentLength = int64(len(body))
	return nil
}

func (d *Dispatcher) reject(c echo.Context, gate, reason string, route *routing.Route) {
	if d.metrics != nil {
		d.metrics.GateRejections.WithLabelValues(gate, reason).Inc()
	}

	// A single client over its limit would otherwise write one line per request.
	if gate == gateRateLimit && !d.throttleLog.Allow() {
		d.suppressed.Add(1)
		return
	}

	req := c.Request()
	attrs := []any{
		"gate", gate,
		"reason", reason,
		"method", req.Method,
		"path", req.URL.Path,
		"remote_ip", c.RealIP(),
	}
	if route != nil {
		attrs = append(attrs, "route", route.Prefix, "service", route.Service)
	}
	if gate == gateRateLimit {
		if n := d.suppressed.Swap(0); n > 0 {
			attrs = append(attrs, "suppressed", n)
		}
	}
	d.logger.Warn("request rejected", attrs...)
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == echo.MIMEApplicationJSON || strings.HasSuffix(mt, "+json")
}

// setRateLimitHeaders writes the standard RateLimit-* headers.
func setRateLimitHeaders(h http.Header, dec ratelimit.Decision, now time.Time) {
	h.Set("RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("RateLimit-Reset", strconv.Itoa(ceilSeconds(dec.ResetAt.Sub(now))))
}

func rateLimitMessage(window time.Duration) string {
	minutes := int(math.Ceil(window.Minutes()))
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Too many requests from this IP, please try again after %d %s", minutes, unit)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// stream copies the upstream body to the client, flushing after every chunk
// so that event streams and slow responses reach the client as they arrive.
func stream(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
