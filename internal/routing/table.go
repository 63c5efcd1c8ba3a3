// Package routing maps inbound request paths to upstream services.
package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"guardian-gateway/internal/config"
)

// ErrNoRoute is returned by Match when no prefix covers the path.
var ErrNoRoute = errors.New("no route matches path")

// Route maps a path prefix to an upstream base address.
type Route struct {
	Prefix   string
	Service  string
	Upstream *url.URL
	// Rewrite replaces Prefix in the forwarded path.
	Rewrite string
	// Public routes skip bearer token verification.
	Public bool
}

// RequiresAuth reports whether the route is gated by the token verifier.
func (r *Route) RequiresAuth() bool {
	return !r.Public
}

// RewritePath replaces the matched prefix with the configured replacement,
// keeping the remainder of the path.
func (r *Route) RewritePath(path string) string {
	return r.join(strings.TrimPrefix(path, r.Prefix))
}

// RewriteEscapedPath is RewritePath for the escaped form of a path matched
// by its decoded form. The remainder keeps its original escaping, so an
// encoded "/" or "?" reaches the upstream unchanged.
func (r *Route) RewriteEscapedPath(escaped string) string {
	return r.join(skipDecoded(escaped, len(r.Prefix)))
}

func (r *Route) join(rest string) string {
	target := r.Rewrite
	if target == "" {
		target = r.Prefix
	}
	if rest == "" {
		return target
	}
	if rest[0] != '/' {
		rest = "/" + rest
	}
	return strings.TrimSuffix(target, "/") + rest
}

// skipDecoded drops the part of a validly escaped path that decodes to n
// bytes. Each %XX triplet stands for one decoded byte.
func skipDecoded(escaped string, n int) string {
	i := 0
	for decoded := 0; decoded < n && i < len(escaped); decoded++ {
		if escaped[i] == '%' && i+3 <= len(escaped) {
			i += 3
			continue
		}
		i++
	}
	return escaped[i:]
}

// Table is an immutable route table built at startup.
//
// Match uses longest-prefix-wins on path segment boundaries. Two routes with
// the same prefix are a configuration error: the first registered one wins and
// a warning is logged when the table is built.
type Table struct {
	routes []*Route
}

// NewTable builds a Table from the configured routes and service URLs.
func NewTable(cfg *config.Config, logger *slog.Logger) (*Table, error) {
	logger = logger.With("component", "route_table")

	t := &Table{}
	seen := make(map[string]bool, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		raw, ok := cfg.Services.URL(rc.Service)
		if !ok {
			return nil, fmt.Errorf("route %s: unknown service %q", rc.Prefix, rc.Service)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse upstream %q: %w", rc.Prefix, raw, err)
		}

		prefix := normalizePrefix(rc.Prefix)
		if seen[prefix] {
			logger.Warn("duplicate route prefix; first registration wins",
				"prefix", prefix,
				"ignored_service", rc.Service,
			)
		}
		seen[prefix] = true

		t.routes = append(t.routes, &Route{
			Prefix:   prefix,
			Service:  rc.Service,
			Upstream: u,
			Rewrite:  rc.Rewrite,
			Public:   rc.Public,
		})
	}

	for _, r := range t.routes {
		logger.Info("route registered",
			"prefix", r.Prefix,
			"service", r.Service,
			"upstream", r.Upstream.String(),
			"auth", r.RequiresAuth(),
		)
	}
	return t, nil
}

// Match returns the route covering path and the rewritten upstream path.
func (t *Table) Match(path string) (*Route, string, error) {
	var best *Route
	for _, r := range t.routes {
		if !covers(r.Prefix, path) {
			continue
		}
		// Strictly longer only, so the first of equal prefixes is kept.
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNoRoute, path)
	}
	return best, best.RewritePath(path), nil
}

// MatchURL matches on the decoded path of u and returns the rewritten path in
// escaped form.
func (t *Table) MatchURL(u *url.URL) (*Route, string, error) {
	r, _, err := t.Match(u.Path)
	if err != nil {
		return nil, "", err
	}
	return r, r.RewriteEscapedPath(u.EscapedPath()), nil
}

// covers reports whether prefix matches path on a segment boundary, so that
// "/api/auth" matches "/api/auth" and "/api/auth/login" but not "/api/authx".
func covers(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || prefix == "/" {
		return true
	}
	return path[len(prefix)] == '/'
}

func normalizePrefix(p string) string {
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
