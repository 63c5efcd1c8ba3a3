package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"guardian-gateway/internal/config"
)

func TestHealth(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{Services: config.ServicesConfig{
		Auth:    "http://auth:3000",
		Elderly: "http://elderly:3001",
		CheckIn: "http://check-in:5000",
		ASR:     "http://asr:5001",
		LLM:     "http://llm:5002",
	}}
	h := NewHealthHandler(cfg, "test")
	h.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := h.Health(c); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Status    string            `json:"status"`
		Message   string            `json:"message"`
		Timestamp string            `json:"timestamp"`
		Services  map[string]string `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "UP" {
		t.Errorf("status = %q, want %q", body.Status, "UP")
	}
	if body.Message != "API Gateway is running" {
		t.Errorf("message = %q", body.Message)
	}
	if body.Timestamp != "2025-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q, want %q", body.Timestamp, "2025-03-01T12:00:00Z")
	}
	if body.Services[config.ServiceCheckIn] != "http://check-in:5000" {
		t.Errorf("services = %v", body.Services)
	}
}

func TestVersion(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/version", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "1.2.3")
	if err := h.Version(c); err != nil {
		t.Fatalf("Version() error = %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q, want %q", body["version"], "1.2.3")
	}
	if body["name"] != "GuardianCare API Gateway" {
		t.Errorf("name = %q, want %q", body["name"], "GuardianCare API Gateway")
	}
}
