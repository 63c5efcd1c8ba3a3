// Package client provides the pooled HTTP client used to reach upstream services.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"guardian-gateway/internal/config"
	"guardian-gateway/internal/metrics"
)

// UpstreamClient sends requests to upstream services over a shared pool of
// keep-alive connections. One pool serves every upstream; the per-host caps
// bound the sockets held toward each target.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return newUpstreamClient(cfg.Upstream.Timeout(), cfg.Upstream.IdleConnections, logger, m)
}

func newUpstreamClient(timeout time.Duration, poolSize int, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		MaxConnsPerHost:       poolSize,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		// Bodies pass through byte for byte; never negotiate gzip on the client's behalf.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are the client's business; hand them back unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Do executes an HTTP request against an upstream service and returns the raw
// response. The caller is responsible for closing the response body. The
// request context controls the lifetime of the call: when it is canceled
// (for example because the client disconnected) the upstream call is aborted.
func (c *UpstreamClient) Do(req *http.Request, service string) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"service", service,
		"method", req.Method,
		"url", req.URL.String(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(service, method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(service, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(service, status).Inc()
	}

	return resp, nil
}

// HTTPClient returns a client sharing the pooled transport. It carries no
// overall timeout, so it is suitable for long-lived upgraded connections.
func (c *UpstreamClient) HTTPClient() *http.Client {
	return &http.Client{Transport: c.transport}
}

// CloseIdleConnections releases idle pooled connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
