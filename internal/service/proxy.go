// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guardian-gateway/internal/client"
	"guardian-gateway/internal/config"
	"guardian-gateway/internal/metrics"
	"guardian-gateway/internal/model"
	"guardian-gateway/internal/routing"
)

// Upstream sends one request to an upstream service.
type Upstream interface {
	Do(req *http.Request, service string) (*http.Response, error)
}

// RetryPolicy bounds how often a refused connection is retried. It is copied
// into every Forward call, so adjustments never leak between requests.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int
	Delay       time.Duration
}

// Forwarder relays HTTP requests and WebSocket sessions to the upstream
// selected by the route table.
type Forwarder struct {
	upstream  Upstream
	wsClient  *http.Client
	policy    RetryPolicy
	deadline  time.Duration
	readLimit int64
	origins   []string
	reqSteps  []RequestStep
	respSteps []ResponseStep
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewForwarder creates a Forwarder over the shared upstream client.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return newForwarder(c, c.HTTPClient(), cfg, logger, m)
}

func newForwarder(up Upstream, ws *http.Client, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		upstream: up,
		wsClient: ws,
		policy: RetryPolicy{
			MaxAttempts: cfg.Upstream.RetryAttempts,
			Delay:       cfg.Upstream.RetryDelay(),
		},
		deadline:  cfg.Upstream.Deadline(),
		readLimit: cfg.WebSocket.ReadLimitBytes,
		origins:   cfg.CORS.AllowOrigins,
		reqSteps:  []RequestStep{forwardedHeaders, claimHeaders, requestIDHeader},
		respSteps: []ResponseStep{stripHopByHop, corsHeaders(cfg.CORS)},
		logger:    logger.With("component", "forwarder"),
		metrics:   m,
	}
}

// Forward sends pr to the route's upstream at upstreamPath and returns the
// response for streaming back. The caller is responsible for closing the
// response body.
//
// A refused connection is retried up to the policy's attempt budget when the
// body can be replayed. Every other failure ends the request at once. The
// returned error is always a *ProxyError.
func (f *Forwarder) Forward(route *routing.Route, upstreamPath string, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	policy := f.policy
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if !pr.Buffered && pr.Body != nil && pr.Body != http.NoBody {
		// A consumed stream cannot be sent twice.
		policy.MaxAttempts = 1
	}

	target := upstreamURL(route.Upstream, upstreamPath, pr.RawQuery)
	log := f.logger.With("service", route.Service, "method", pr.Method, "target", route.Upstream.String())

	var resp *model.ProxyResponse
	attempts, err := f.retry(pr.Ctx, route, policy, log, func() error {
		var err error
		resp, err = f.attempt(route, target, pr)
		return err
	})
	if err != nil {
		return nil, f.fail(route, attempts, err)
	}
	return resp, nil
}

// retry runs fn until it succeeds, fails with anything other than a refused
// connection, or the attempt budget is spent. It returns the number of
// attempts made and the last error.
func (f *Forwarder) retry(ctx context.Context, route *routing.Route, policy RetryPolicy, log *slog.Logger, fn func() error) (int, error) {
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if f.metrics != nil {
				f.metrics.UpstreamRetries.WithLabelValues(route.Service).Inc()
			}
			log.Warn("upstream refused connection, retrying",
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"delay", policy.Delay,
			)
			if werr := wait(ctx, policy.Delay); werr != nil {
				return attempt - 1, werr
			}
		}

		if err = fn(); err == nil {
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}
	}
	return policy.MaxAttempts, err
}

func (f *Forwarder) attempt(route *routing.Route, target string, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithTimeout(pr.Ctx, f.deadline)

	var body io.Reader = http.NoBody
	switch {
	case pr.Buffered && len(pr.BufferedBody) > 0:
		body = bytes.NewReader(pr.BufferedBody)
	case !pr.Buffered && pr.Body != nil:
		body = pr.Body
	}

	out, err := http.NewRequestWithContext(ctx, pr.Method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if !pr.Buffered && pr.Body != nil && pr.Body != http.NoBody {
		out.ContentLength = pr.ContentLength
	}
	out.Header = outboundHeader(pr.Header)
	for _, step := range f.reqSteps {
		step(out, pr)
	}

	resp, err := f.upstream.Do(out, route.Service)
	if err != nil {
		cancel()
		return nil, err
	}

	for _, step := range f.respSteps {
		step(resp.Header)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (f *Forwarder) fail(route *routing.Route, attempts int, err error) *ProxyError {
	pe := &ProxyError{
		Code:     classifyError(err),
		Target:   route.Upstream.String(),
		Attempts: attempts,
		Err:      err,
	}
	if f.metrics != nil {
		f.metrics.ProxyFailures.WithLabelValues(route.Service, pe.Code).Inc()
	}
	return pe
}

// upstreamURL joins the upstream base address with the rewritten escaped path
// and the original query string. Escaped separators in path are preserved.
func upstreamURL(base *url.URL, escapedPath, rawQuery string) string {
	u := *base
	u.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + escapedPath
	if p, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = p
	} else {
		u.Path = strings.TrimSuffix(base.Path, "/") + escapedPath
		u.RawPath = ""
	}
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u.String()
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cancelOnClose releases the per-attempt deadline once the body is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// IsProxyError reports whether err carries a *ProxyError and returns it.
func IsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
