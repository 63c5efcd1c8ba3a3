// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProxyRequest represents a client request to be forwarded upstream.
//
// Body is nil when the request carries no payload. When Buffered is true the
// whole payload sits in BufferedBody and may be replayed on a retry; otherwise
// Body is a one-shot stream.
type ProxyRequest struct {
	Ctx          context.Context
	Method       string
	Path         string
	RawQuery     string
	Header       http.Header
	Body         io.ReadCloser
	BufferedBody []byte
	Buffered     bool
	// ContentLength is the declared payload size, -1 when unknown.
	ContentLength int64

	// Forwarding metadata of the inbound hop. RemoteIP is the direct peer
	// appended to X-Forwarded-For.
	RemoteIP  string
	Host      string
	Proto     string
	RequestID string

	// Claim is the verified identity of the caller, nil on public routes.
	Claim *Claim
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Claim is the identity derived from a verified bearer token. It lives for
// one request only and is never persisted by the gateway.
type Claim struct {
	SubjectID string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ErrorEnvelope is the only shape clients see for failures raised by the gateway.
type ErrorEnvelope struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Code    *string `json:"code,omitempty"`
	Target  *string `json:"target,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// NewErrorEnvelope returns an envelope carrying only a message.
func NewErrorEnvelope(message string) ErrorEnvelope {
	return ErrorEnvelope{Success: false, Message: message}
}
