package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Error codes carried in the error envelope. They name the low-level
// connection failure category.
const (
	CodeConnRefused = "ECONNREFUSED"
	CodeTimeout     = "ETIMEDOUT"
	CodeNotFound    = "ENOTFOUND"
	CodeConnReset   = "ECONNRESET"
	CodeProtocol    = "EPROTO"
	CodeCanceled    = "ECANCELED"
)

// ProxyError reports a request the forwarder could not complete.
type ProxyError struct {
	Code     string
	Target   string
	Attempts int
	Err      error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy to %s failed after %d attempt(s) [%s]: %v", e.Target, e.Attempts, e.Code, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// retryable reports whether another attempt may succeed. Only refused
// connections qualify.
func retryable(err error) bool {
	return classifyError(err) == CodeConnRefused
}

// classifyError maps a transport error onto an error code.
func classifyError(err error) string {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)

	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return CodeConnReset
	default:
		// TLS handshake and certificate failures, malformed responses.
		return CodeProtocol
	}
}
