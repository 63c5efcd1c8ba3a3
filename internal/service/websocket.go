package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"guardian-gateway/internal/model"
	"guardian-gateway/internal/routing"
)

// Relay upgrades the client connection and pipes WebSocket messages to and
// from the route's upstream until either side closes.
//
// The upstream handshake happens first. When it fails Relay returns a
// *ProxyError and nothing has been written to w, so the caller can still
// answer with an error envelope. When the upstream answers the handshake
// with anything but 101, that response is passed to the client as is. Once
// the client is upgraded, Relay only returns after the session ends.
func (f *Forwarder) Relay(w http.ResponseWriter, r *http.Request, route *routing.Route, upstreamPath string, pr *model.ProxyRequest) error {
	policy := f.policy
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	target := wsURL(route.Upstream, upstreamPath, pr.RawQuery)
	log := f.logger.With("service", route.Service, "target", route.Upstream.String(), "protocol", "websocket")

	header := dialHeader(pr.Header)
	carrier := &http.Request{Header: header}
	for _, step := range f.reqSteps {
		step(carrier, pr)
	}
	protocols := offeredSubprotocols(pr.Header)

	var (
		upstream *websocket.Conn
		rejected *http.Response
	)
	attempts, err := f.retry(pr.Ctx, route, policy, log, func() error {
		conn, resp, err := websocket.Dial(pr.Ctx, target, &websocket.DialOptions{
			HTTPClient:      f.wsClient,
			HTTPHeader:      header,
			Subprotocols:    protocols,
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil && resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			rejected = resp
			return nil
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("websocket dial: %w", err)
		}
		upstream = conn
		return nil
	})
	if err != nil {
		return f.fail(route, attempts, err)
	}
	if rejected != nil {
		log.Info("upstream declined websocket handshake", "path", pr.Path, "status", rejected.StatusCode)
		f.passRejection(w, rejected, log)
		return nil
	}

	accept := &websocket.AcceptOptions{
		OriginPatterns:  originPatterns(f.origins),
		CompressionMode: websocket.CompressionDisabled,
	}
	if sp := upstream.Subprotocol(); sp != "" {
		accept.Subprotocols = []string{sp}
	}
	client, err := websocket.Accept(w, r, accept)
	if err != nil {
		// Accept has already answered the client.
		_ = upstream.Close(websocket.StatusGoingAway, "client handshake failed")
		return fmt.Errorf("websocket accept: %w", err)
	}

	if f.readLimit > 0 {
		client.SetReadLimit(f.readLimit)
		upstream.SetReadLimit(f.readLimit)
	}

	if f.metrics != nil {
		f.metrics.WebSocketSession.Inc()
		defer f.metrics.WebSocketSession.Dec()
	}
	log.Info("websocket session opened", "path", pr.Path, "subprotocol", client.Subprotocol())

	g, ctx := errgroup.WithContext(context.WithoutCancel(pr.Ctx))
	g.Go(func() error {
		return pipe(ctx, upstream, client, websocket.StatusBadGateway)
	})
	g.Go(func() error {
		return pipe(ctx, client, upstream, websocket.StatusGoingAway)
	})
	if err := g.Wait(); err != nil {
		log.Warn("websocket session ended abnormally", "error", err)
		return nil
	}

	log.Info("websocket session closed", "path", pr.Path)
	return nil
}

// passRejection answers the client with the upstream's handshake response.
// The dialer keeps only the first KiB of that body, so the declared length
// is dropped.
func (f *Forwarder) passRejection(w http.ResponseWriter, resp *http.Response, log *slog.Logger) {
	defer func() {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}()

	for _, step := range f.respSteps {
		step(resp.Header)
	}
	resp.Header.Del("Content-Length")

	dst := w.Header()
	for k, vs := range resp.Header {
		dst[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn("relaying handshake response", "error", err)
	}
}

// pipe copies messages from src to dst. When src closes, dst is closed with
// the mirrored status. abnormal is sent when src vanished without a close
// frame. A nil return means the session ended with a close handshake.
func pipe(ctx context.Context, src, dst *websocket.Conn, abnormal websocket.StatusCode) error {
	for {
		typ, rd, err := src.Reader(ctx)
		if err != nil {
			code, reason := mirrorClose(err, abnormal)
			_ = dst.Close(code, reason)
			if code == abnormal {
				return err
			}
			return nil
		}

		wr, err := dst.Writer(ctx, typ)
		if err != nil {
			_ = src.Close(websocket.StatusGoingAway, "")
			return err
		}
		if _, err := io.Copy(wr, rd); err != nil {
			_ = wr.Close()
			_ = src.Close(websocket.StatusInternalError, "")
			return err
		}
		if err := wr.Close(); err != nil {
			_ = src.Close(websocket.StatusGoingAway, "")
			return err
		}
	}
}

// mirrorClose picks the status to forward to the peer of a closed connection.
// 1005 and 1006 are reserved for local use and never sent on the wire.
func mirrorClose(err error, abnormal websocket.StatusCode) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return abnormal, ""
	}
	switch ce.Code {
	case websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure:
		return websocket.StatusNormalClosure, ""
	default:
		return ce.Code, ce.Reason
	}
}

// dialHeader returns the headers sent on the upstream handshake. The
// WebSocket handshake headers are regenerated by the dialer.
func dialHeader(src http.Header) http.Header {
	h := outboundHeader(src)
	for name := range h {
		if strings.HasPrefix(name, "Sec-Websocket-") {
			delete(h, name)
		}
	}
	h.Del("Host")
	return h
}

func offeredSubprotocols(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// originPatterns converts allowed CORS origins into host patterns accepted by
// the WebSocket handshake.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// wsURL builds the upstream WebSocket address from an http(s) base.
func wsURL(base *url.URL, path, rawQuery string) string {
	u, _ := url.Parse(upstreamURL(base, path, rawQuery))
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
