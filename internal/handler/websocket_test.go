package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestDispatcher_WebSocket(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/llm/forbidden" {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Upstream-Reason", "no-session")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"session expired"}`))
			return
		}
		if r.Header.Get("X-User-Id") != "u-1" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		_ = c.Write(r.Context(), typ, append([]byte("echo:"), data...))
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	defer upstream.Close()

	e, _ := newGateway(t, gatewayConfig(upstream.URL))
	gw := httptest.NewServer(e)
	defer gw.Close()
	wsBase := "ws" + strings.TrimPrefix(gw.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("unauthenticated upgrade rejected", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, wsBase+"/api/llm/stream", nil)
		if err == nil {
			t.Fatal("Dial() expected error without a token")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("handshake response = %v, want 401", resp)
		}
	})

	t.Run("upstream handshake refusal passed through", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, wsBase+"/api/llm/forbidden", &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + validToken(t)}},
		})
		if err == nil {
			t.Fatal("Dial() expected error for a declined handshake")
		}
		if resp == nil {
			t.Fatalf("Dial() returned no response (err = %v)", err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("handshake status = %d, want 401 from upstream", resp.StatusCode)
		}
		if got := resp.Header.Get("X-Upstream-Reason"); got != "no-session" {
			t.Errorf("X-Upstream-Reason = %q, want %q", got, "no-session")
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != `{"message":"session expired"}` {
			t.Errorf("body = %q, want the upstream body", body)
		}
	})

	t.Run("authenticated session relayed", func(t *testing.T) {
		conn, _, err := websocket.Dial(ctx, wsBase+"/api/llm/stream", &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + validToken(t)}},
		})
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.CloseNow()

		if err := conn.Write(ctx, websocket.MessageText, []byte("hi")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(data) != "echo:hi" {
			t.Errorf("Read() = %q, want %q", data, "echo:hi")
		}

		_, _, err = conn.Read(ctx)
		if code := websocket.CloseStatus(err); code != websocket.StatusNormalClosure {
			t.Errorf("CloseStatus = %v, want normal closure (err = %v)", code, err)
		}
	})
}
