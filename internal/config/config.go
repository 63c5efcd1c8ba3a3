// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/guardian-gateway/config.toml",
	"configs/config.toml",
}

// Service names referenced by [[routes]] entries.
const (
	ServiceAuth    = "auth"
	ServiceElderly = "elderly"
	ServiceCheckIn = "check_in"
	ServiceASR     = "asr"
	ServiceLLM     = "llm"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='API_GATEWAY_PORT'"`
	Env        string `kong:"help='Environment: development|production (overrides config).',env='GATEWAY_ENV'"`
	JWTSecret  string `kong:"name='jwt-secret',help='Shared secret for bearer tokens (overrides config).',env='JWT_SECRET'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AuthURL    string `kong:"name='auth-url',help='Identity service base URL.',env='AUTH_SERVICE_URL'"`
	ElderlyURL string `kong:"name='elderly-url',help='Relationship service base URL.',env='ELDERLY_SERVICE_URL'"`
	CheckInURL string `kong:"name='check-in-url',help='Check-in service base URL.',env='CHECK_IN_SERVICE_URL'"`
	ASRURL     string `kong:"name='asr-url',help='Speech recognition service base URL.',env='ASR_SERVICE_URL'"`
	LLMURL     string `kong:"name='llm-url',help='Language model service base URL.',env='LLM_SERVICE_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Services  ServicesConfig  `toml:"services"`
	Routes    []RouteConfig   `toml:"routes"`
	CORS      CORSConfig      `toml:"cors"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string          `toml:"host"`
	Port           int             `toml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes   int64           `toml:"body_max_bytes"`
	Environment    string          `toml:"environment"`
	TrustedProxies []string        `toml:"trusted_proxies"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls the per-client fixed window limiter.
type RateLimitConfig struct {
	Enabled              bool `toml:"enabled"`
	MaxRequests          int  `toml:"max_requests"`
	WindowSeconds        int  `toml:"window_seconds"`
	SweepIntervalSeconds int  `toml:"sweep_interval_seconds"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// UpstreamConfig holds upstream connection and retry settings.
type UpstreamConfig struct {
	TimeoutSeconds  int   `toml:"timeout_seconds"`
	DeadlineSeconds int   `toml:"deadline_seconds"`
	IdleConnections int   `toml:"idle_connections"`
	RetryAttempts   int   `toml:"retry_attempts"`
	RetryDelayMS    int   `toml:"retry_delay_ms"`
	BufferMaxBytes  int64 `toml:"buffer_max_bytes"`
}

// ServicesConfig holds one base URL per logical upstream service.
type ServicesConfig struct {
	Auth    string `toml:"auth"`
	Elderly string `toml:"elderly"`
	CheckIn string `toml:"check_in"`
	ASR     string `toml:"asr"`
	LLM     string `toml:"llm"`
}

// RouteConfig is one entry of the route table. An empty Rewrite keeps the
// matched prefix as is.
type RouteConfig struct {
	Prefix  string `toml:"prefix"`
	Service string `toml:"service"`
	Rewrite string `toml:"rewrite"`
	Public  bool   `toml:"public"`
}

// CORSConfig holds cross-origin settings applied to every response.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
	AllowMethods []string `toml:"allow_methods"`
	AllowHeaders []string `toml:"allow_headers"`
}

// WebSocketConfig holds relay settings.
type WebSocketConfig struct {
	ReadLimitBytes int64 `toml:"read_limit_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	SlowRequestMS int    `toml:"slow_request_ms"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultRoutes is the route table used when the config file declares no [[routes]].
var DefaultRoutes = []RouteConfig{
	{Prefix: "/api/auth", Service: ServiceAuth, Public: true},
	{Prefix: "/api/users", Service: ServiceAuth},
	{Prefix: "/api/elderly", Service: ServiceElderly},
	{Prefix: "/api/check-in", Service: ServiceCheckIn},
	{Prefix: "/api/asr", Service: ServiceASR},
	{Prefix: "/api/llm", Service: ServiceLLM},
}

// reservedPaths are served by the gateway itself and cannot be proxied.
var reservedPaths = []string{"/health", "/api/version"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/guardian-gateway/config.toml then configs/config.toml. If none of them
// exists the gateway runs on defaults plus CLI and environment overrides.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	// Booleans that default to true are seeded before decoding; keys the
	// file omits leave them untouched.
	cfg := Config{Server: ServerConfig{RateLimit: RateLimitConfig{Enabled: true}}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Env != "" {
		c.Server.Environment = cli.Env
	}
	if cli.JWTSecret != "" {
		c.Auth.JWTSecret = cli.JWTSecret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AuthURL != "" {
		c.Services.Auth = cli.AuthURL
	}
	if cli.ElderlyURL != "" {
		c.Services.Elderly = cli.ElderlyURL
	}
	if cli.CheckInURL != "" {
		c.Services.CheckIn = cli.CheckInURL
	}
	if cli.ASRURL != "" {
		c.Services.ASR = cli.ASRURL
	}
	if cli.LLMURL != "" {
		c.Services.LLM = cli.LLMURL
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.Environment == "" {
		c.Server.Environment = EnvProduction
	}
	if c.Server.RateLimit.MaxRequests == 0 {
		c.Server.RateLimit.MaxRequests = 100
	}
	if c.Server.RateLimit.WindowSeconds == 0 {
		c.Server.RateLimit.WindowSeconds = 15 * 60
	}
	if c.Server.RateLimit.SweepIntervalSeconds == 0 {
		c.Server.RateLimit.SweepIntervalSeconds = 60
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.DeadlineSeconds == 0 {
		c.Upstream.DeadlineSeconds = 600
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.RetryAttempts == 0 {
		c.Upstream.RetryAttempts = 3
	}
	if c.Upstream.RetryDelayMS == 0 {
		c.Upstream.RetryDelayMS = 1000
	}
	if c.Upstream.BufferMaxBytes == 0 {
		c.Upstream.BufferMaxBytes = c.Server.BodyMaxBytes
	}
	if c.Services.Auth == "" {
		c.Services.Auth = "http://localhost:3000"
	}
	if c.Services.Elderly == "" {
		c.Services.Elderly = "http://localhost:3001"
	}
	if c.Services.CheckIn == "" {
		c.Services.CheckIn = "http://localhost:5000"
	}
	if c.Services.ASR == "" {
		c.Services.ASR = "http://localhost:5001"
	}
	if c.Services.LLM == "" {
		c.Services.LLM = "http://localhost:5002"
	}
	if len(c.Routes) == 0 {
		c.Routes = append([]RouteConfig(nil), DefaultRoutes...)
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = []string{"Content-Type", "Authorization"}
	}
	if c.WebSocket.ReadLimitBytes == 0 {
		c.WebSocket.ReadLimitBytes = 10 * 1024 * 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.SlowRequestMS == 0 {
		c.Log.SlowRequestMS = 5000
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set JWT_SECRET)")
	}

	for name, raw := range c.Services.byName() {
		if err := validateServiceURL(raw); err != nil {
			return fmt.Errorf("services.%s: %w", name, err)
		}
	}

	switch strings.ToLower(c.Server.Environment) {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("server.environment must be one of: development, production; got %q", c.Server.Environment)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.MaxRequests < 0 || c.Server.RateLimit.WindowSeconds < 0 || c.Server.RateLimit.SweepIntervalSeconds < 0 {
		return fmt.Errorf("server.rate_limit values must be non-negative")
	}
	if c.Upstream.TimeoutSeconds < 0 || c.Upstream.DeadlineSeconds < 0 {
		return fmt.Errorf("upstream timeouts must be non-negative")
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.RetryAttempts < 0 || c.Upstream.RetryDelayMS < 0 {
		return fmt.Errorf("upstream retry settings must be non-negative")
	}

	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}

	services := c.Services.byName()
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if _, ok := services[r.Service]; !ok {
			return fmt.Errorf("routes[%d].service %q is not a configured service", i, r.Service)
		}
		if r.Rewrite != "" && r.Rewrite[0] != '/' {
			return fmt.Errorf("routes[%d].rewrite must start with '/'; got %q", i, r.Rewrite)
		}
		for _, reserved := range reservedPaths {
			if r.Prefix == reserved {
				return fmt.Errorf("routes[%d].prefix %q is served by the gateway itself", i, r.Prefix)
			}
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, r := range c.Routes {
			if p == r.Prefix || strings.HasPrefix(p, r.Prefix+"/") {
				return fmt.Errorf("metrics.path %q conflicts with route %q", p, r.Prefix)
			}
		}
	}

	return nil
}

func validateServiceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// byName maps route service names to their base URLs.
func (s ServicesConfig) byName() map[string]string {
	return map[string]string{
		ServiceAuth:    s.Auth,
		ServiceElderly: s.Elderly,
		ServiceCheckIn: s.CheckIn,
		ServiceASR:     s.ASR,
		ServiceLLM:     s.LLM,
	}
}

// URL returns the base URL configured for a service name.
func (s ServicesConfig) URL(name string) (string, bool) {
	u, ok := s.byName()[name]
	return u, ok
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment reports whether verbose error detail may be returned to clients.
func (c *ServerConfig) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, EnvDevelopment)
}

// Window returns the rate limit window.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// SweepInterval returns how often expired limiter keys are pruned.
func (c *RateLimitConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Timeout returns the connect and response header timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Deadline returns the overall deadline of a single upstream attempt.
func (c *UpstreamConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// RetryDelay returns the fixed pause between connection attempts.
func (c *UpstreamConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
