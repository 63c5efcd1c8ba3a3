package service

import (
	"net/http"
	"net/textproto"
	"strings"

	"guardian-gateway/internal/config"
	"guardian-gateway/internal/model"
)

// Identity headers carry the verified claim to downstream services. Only the
// gateway may set them: inbound copies are always stripped.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderUserEmail = "X-User-Email"
)

// identityHeaders are removed from every inbound request before forwarding.
var identityHeaders = []string{HeaderUserID, HeaderUserRole, HeaderUserEmail}

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RequestStep transforms an outbound request before it is sent.
type RequestStep func(out *http.Request, pr *model.ProxyRequest)

// ResponseStep transforms upstream response headers before they reach the client.
type ResponseStep func(h http.Header)

// outboundHeader copies the inbound headers minus hop-by-hop and identity
// headers. The inbound header map is never mutated.
func outboundHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopByHop(dst)
	for _, h := range identityHeaders {
		dst.Del(h)
	}
	return dst
}

// stripHopByHop removes hop-by-hop headers, including any named in Connection.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// forwardedHeaders appends the standard forwarding headers of this hop.
func forwardedHeaders(out *http.Request, pr *model.ProxyRequest) {
	if pr.RemoteIP != "" {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			out.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+pr.RemoteIP)
		} else {
			out.Header.Set("X-Forwarded-For", pr.RemoteIP)
		}
	}
	if pr.Host != "" {
		out.Header.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.Proto != "" {
		out.Header.Set("X-Forwarded-Proto", pr.Proto)
	}
}

// requestIDHeader propagates the gateway request ID for log correlation.
func requestIDHeader(out *http.Request, pr *model.ProxyRequest) {
	if pr.RequestID != "" {
		out.Header.Set("X-Request-ID", pr.RequestID)
	}
}

// claimHeaders attaches the verified identity for downstream services.
func claimHeaders(out *http.Request, pr *model.ProxyRequest) {
	if pr.Claim == nil {
		return
	}
	out.Header.Set(HeaderUserID, pr.Claim.SubjectID)
	if pr.Claim.Role != "" {
		out.Header.Set(HeaderUserRole, pr.Claim.Role)
	}
	if pr.Claim.Email != "" {
		out.Header.Set(HeaderUserEmail, pr.Claim.Email)
	}
}

// corsHeaders returns a step that adds permissive cross-origin headers when
// every origin is allowed. Restricted origin lists are handled by the CORS
// middleware, which knows the request Origin.
func corsHeaders(cfg config.CORSConfig) ResponseStep {
	allowAll := len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*"
	methods := strings.Join(cfg.AllowMethods, ",")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	return func(h http.Header) {
		if !allowAll {
			return
		}
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", methods)
		h.Set("Access-Control-Allow-Headers", headers)
	}
}
