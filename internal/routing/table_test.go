package routing

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"guardian-gateway/internal/config"
)

func testConfig(routes ...config.RouteConfig) *config.Config {
	cfg := &config.Config{
		Services: config.ServicesConfig{
			Auth:    "http://auth:3000",
			Elderly: "http://elderly:3001",
			CheckIn: "http://checkin:5000",
			ASR:     "http://asr:5001",
			LLM:     "http://llm:5002",
		},
		Routes: routes,
	}
	if len(routes) == 0 {
		cfg.Routes = config.DefaultRoutes
	}
	return cfg
}

func newTestTable(t *testing.T, cfg *config.Config) *Table {
	t.Helper()
	tbl, err := NewTable(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	return tbl
}

func TestTable_Match_DefaultRoutes(t *testing.T) {
	tbl := newTestTable(t, testConfig())

	tests := []struct {
		name        string
		path        string
		wantService string
		wantPath    string
		wantAuth    bool
	}{
		{"auth login", "/api/auth/login", config.ServiceAuth, "/api/auth/login", false},
		{"users lookup", "/api/users/7", config.ServiceAuth, "/api/users/7", true},
		{"elderly identity rewrite", "/api/elderly/42", config.ServiceElderly, "/api/elderly/42", true},
		{"exact prefix", "/api/check-in", config.ServiceCheckIn, "/api/check-in", true},
		{"asr nested", "/api/asr/transcribe/stream", config.ServiceASR, "/api/asr/transcribe/stream", true},
		{"llm", "/api/llm/chat", config.ServiceLLM, "/api/llm/chat", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, path, err := tbl.Match(tt.path)
			if err != nil {
				t.Fatalf("Match(%q) error = %v", tt.path, err)
			}
			if r.Service != tt.wantService {
				t.Errorf("Service = %q, want %q", r.Service, tt.wantService)
			}
			if path != tt.wantPath {
				t.Errorf("rewritten path = %q, want %q", path, tt.wantPath)
			}
			if r.RequiresAuth() != tt.wantAuth {
				t.Errorf("RequiresAuth() = %v, want %v", r.RequiresAuth(), tt.wantAuth)
			}
		})
	}
}

func TestTable_Match_NoRoute(t *testing.T) {
	tbl := newTestTable(t, testConfig())

	for _, p := range []string{"/", "/non-existent-route", "/api", "/api/authx", "/api/elderlyfoo/1"} {
		t.Run(p, func(t *testing.T) {
			_, _, err := tbl.Match(p)
			if !errors.Is(err, ErrNoRoute) {
				t.Errorf("Match(%q) error = %v, want ErrNoRoute", p, err)
			}
		})
	}
}

func TestTable_Match_LongestPrefixWins(t *testing.T) {
	tbl := newTestTable(t, testConfig(
		config.RouteConfig{Prefix: "/api", Service: config.ServiceAuth},
		config.RouteConfig{Prefix: "/api/llm", Service: config.ServiceLLM},
		config.RouteConfig{Prefix: "/api/llm/admin", Service: config.ServiceElderly},
	))

	tests := []struct {
		path string
		want string
	}{
		{"/api/other", config.ServiceAuth},
		{"/api/llm/chat", config.ServiceLLM},
		{"/api/llm/admin/reload", config.ServiceElderly},
		{"/api/llm/administrator", config.ServiceLLM},
	}

	for _, tt := range tests {
		r, _, err := tbl.Match(tt.path)
		if err != nil {
			t.Fatalf("Match(%q) error = %v", tt.path, err)
		}
		if r.Service != tt.want {
			t.Errorf("Match(%q).Service = %q, want %q", tt.path, r.Service, tt.want)
		}
	}
}

func TestTable_Match_DuplicatePrefixFirstWins(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	tbl, err := NewTable(testConfig(
		config.RouteConfig{Prefix: "/api/asr", Service: config.ServiceASR},
		config.RouteConfig{Prefix: "/api/asr/", Service: config.ServiceLLM},
	), logger)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	r, _, err := tbl.Match("/api/asr/x")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if r.Service != config.ServiceASR {
		t.Errorf("Service = %q, want first registered %q", r.Service, config.ServiceASR)
	}
	if !strings.Contains(buf.String(), "duplicate route prefix") {
		t.Errorf("expected duplicate prefix warning, got %q", buf.String())
	}
}

func TestRoute_RewritePath(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		rewrite string
		path    string
		want    string
	}{
		{"identity", "/api/elderly", "", "/api/elderly/42", "/api/elderly/42"},
		{"identity explicit", "/api/elderly", "/api/elderly", "/api/elderly/42", "/api/elderly/42"},
		{"to root", "/api/check-in", "/", "/api/check-in/today", "/today"},
		{"to root exact", "/api/check-in", "/", "/api/check-in", "/"},
		{"to other prefix", "/api/v2/llm", "/v1", "/api/v2/llm/chat", "/v1/chat"},
		{"trailing slash preserved", "/api/asr", "/asr", "/api/asr/", "/asr/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Route{Prefix: tt.prefix, Rewrite: tt.rewrite}
			if got := r.RewritePath(tt.path); got != tt.want {
				t.Errorf("RewritePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestTable_MatchURL_PreservesEscaping(t *testing.T) {
	tbl := newTestTable(t, testConfig(
		config.RouteConfig{Prefix: "/api/auth", Service: config.ServiceAuth, Public: true},
		config.RouteConfig{Prefix: "/api/llm", Service: config.ServiceLLM, Rewrite: "/v1"},
		config.RouteConfig{Prefix: "/", Service: config.ServiceElderly},
	))

	tests := []struct {
		name        string
		requestURI  string
		wantService string
		wantPath    string
	}{
		{"encoded separators kept", "/api/auth/files/a%2Fb%3Fc", config.ServiceAuth, "/api/auth/files/a%2Fb%3Fc"},
		{"encoded prefix byte", "/api/%61uth/x", config.ServiceAuth, "/api/auth/x"},
		{"rewrite keeps escaping", "/api/llm/a%20b/c%2Fd", config.ServiceLLM, "/v1/a%20b/c%2Fd"},
		{"plain path", "/api/llm/chat", config.ServiceLLM, "/v1/chat"},
		{"root prefix", "/other/x%2Fy", config.ServiceElderly, "/other/x%2Fy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.ParseRequestURI(tt.requestURI)
			if err != nil {
				t.Fatalf("ParseRequestURI(%q) error = %v", tt.requestURI, err)
			}
			r, path, err := tbl.MatchURL(u)
			if err != nil {
				t.Fatalf("MatchURL(%q) error = %v", tt.requestURI, err)
			}
			if r.Service != tt.wantService {
				t.Errorf("Service = %q, want %q", r.Service, tt.wantService)
			}
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
		})
	}
}

func TestSkipDecoded(t *testing.T) {
	tests := []struct {
		escaped string
		n       int
		want    string
	}{
		{"/api/auth/x", 9, "/x"},
		{"/api/%61uth/x", 9, "/x"},
		{"/api/auth", 9, ""},
		{"/a%2Fb", 2, "%2Fb"},
	}

	for _, tt := range tests {
		if got := skipDecoded(tt.escaped, tt.n); got != tt.want {
			t.Errorf("skipDecoded(%q, %d) = %q, want %q", tt.escaped, tt.n, got, tt.want)
		}
	}
}

func TestRoute_RewritePath_Idempotent(t *testing.T) {
	r := &Route{Prefix: "/api/elderly", Rewrite: "/api/elderly"}
	once := r.RewritePath("/api/elderly/42")
	if twice := r.RewritePath(once); twice != once {
		t.Errorf("rewrite not idempotent: %q then %q", once, twice)
	}
}

func TestNewTable_UnknownService(t *testing.T) {
	_, err := NewTable(testConfig(config.RouteConfig{Prefix: "/api/billing", Service: "billing"}),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("NewTable() expected error for unknown service, got nil")
	}
}
