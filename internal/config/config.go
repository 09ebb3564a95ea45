// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"edge-proxy-go/internal/header"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-proxy/config.toml",
	"configs/config.toml",
}

// Route match kinds.
const (
	MatchPrefix  = "prefix"
	MatchNumeric = "numeric"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Upstream  UpstreamConfig            `toml:"upstream"`
	Upstreams map[string]UpstreamTarget `toml:"upstreams"`
	Routes    []RouteConfig             `toml:"routes"`
	Routing   RoutingConfig             `toml:"routing"`
	Tenant    TenantConfig              `toml:"tenant"`
	Log       LogConfig                 `toml:"log"`
	Metrics   MetricsConfig             `toml:"metrics"`
	Tracing   TracingConfig             `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds edge listener settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds settings of the shared upstream HTTP client.
type UpstreamConfig struct {
	TimeoutSeconds  int           `toml:"timeout_seconds"`
	IdleConnections int           `toml:"idle_connections"`
	Breaker         BreakerConfig `toml:"breaker"`
}

// BreakerConfig controls the optional per-upstream circuit breaker.
type BreakerConfig struct {
	Enabled     bool `toml:"enabled"`
	MaxFailures int  `toml:"max_failures"` // consecutive transport failures before opening
	OpenSeconds int  `toml:"open_seconds"` // time spent open before probing again
}

// UpstreamTarget is a named internal service.
type UpstreamTarget struct {
	BaseURL string `toml:"base_url"`
}

// RouteConfig is one entry of the ordered routing table.
type RouteConfig struct {
	Name        string `toml:"name"`
	Match       string `toml:"match"` // prefix (default) or numeric
	Prefix      string `toml:"prefix"`
	Upstream    string `toml:"upstream"`
	Tenant      bool   `toml:"tenant"`
	StripPrefix bool   `toml:"strip_prefix"`
}

// RoutingConfig holds routing table settings that are not per-rule.
type RoutingConfig struct {
	DefaultUpstream string `toml:"default_upstream"`
}

// TenantConfig holds multi-tenancy settings.
type TenantConfig struct {
	Enabled   bool        `toml:"enabled"`
	Header    string      `toml:"header"`
	DefaultID string      `toml:"default_id"`
	Redis     RedisConfig `toml:"redis"`
}

// RedisConfig points at the workspace registry. An empty Addr disables lookups.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"` // OTLP gRPC collector host:port; empty keeps spans local
	ServiceName string  `toml:"service_name"`
	SampleRate  float64 `toml:"sample_rate"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edge-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.validateUpstreams(); err != nil {
		return err
	}
	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateTenant(); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.Breaker.MaxFailures < 0 || c.Upstream.Breaker.OpenSeconds < 0 {
		return fmt.Errorf("upstream.breaker values must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]; got %v", c.Tracing.SampleRate)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateUpstreams() error {
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one [upstreams.<name>] entry is required")
	}
	for name, up := range c.Upstreams {
		if err := ValidateBaseURL(up.BaseURL); err != nil {
			return fmt.Errorf("upstreams.%s.base_url: %w", name, err)
		}
	}
	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 && c.Routing.DefaultUpstream == "" {
		return fmt.Errorf("at least one [[routes]] entry or routing.default_upstream is required")
	}
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if r.Name != "" {
			if seen[r.Name] {
				return fmt.Errorf("routes[%s]: duplicate route name", label)
			}
			seen[r.Name] = true
		}
		if _, ok := c.Upstreams[r.Upstream]; !ok {
			return fmt.Errorf("routes[%s]: unknown upstream %q", label, r.Upstream)
		}
		switch r.Match {
		case MatchPrefix, "":
			if r.Prefix == "" || r.Prefix[0] != '/' {
				return fmt.Errorf("routes[%s]: prefix must start with '/'; got %q", label, r.Prefix)
			}
		case MatchNumeric:
			if r.StripPrefix {
				return fmt.Errorf("routes[%s]: strip_prefix requires match = %q", label, MatchPrefix)
			}
		default:
			return fmt.Errorf("routes[%s]: match must be one of: %s, %s; got %q", label, MatchPrefix, MatchNumeric, r.Match)
		}
	}
	if d := c.Routing.DefaultUpstream; d != "" {
		if _, ok := c.Upstreams[d]; !ok {
			return fmt.Errorf("routing.default_upstream: unknown upstream %q", d)
		}
	}
	return nil
}

func (c *Config) validateTenant() error {
	if !c.Tenant.Enabled {
		return nil
	}
	if c.Tenant.Header != "" && !header.ValidName(c.Tenant.Header) {
		return fmt.Errorf("tenant.header is not a valid header name: %q", c.Tenant.Header)
	}
	if c.Tenant.DefaultID == "" {
		return fmt.Errorf("tenant.default_id is required when tenant.enabled is true")
	}
	if !header.ValidValue(c.Tenant.DefaultID) {
		return fmt.Errorf("tenant.default_id is not a valid header value")
	}
	if c.Tenant.Redis.TimeoutMS < 0 {
		return fmt.Errorf("tenant.redis.timeout_ms must be non-negative; got %d", c.Tenant.Redis.TimeoutMS)
	}
	return nil
}

// ValidateBaseURL checks that raw is an absolute http(s) URL made of scheme
// and authority only.
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host; got %q", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("must be scheme://host[:port] only; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.Breaker.MaxFailures == 0 {
		c.Upstream.Breaker.MaxFailures = 5
	}
	if c.Upstream.Breaker.OpenSeconds == 0 {
		c.Upstream.Breaker.OpenSeconds = 30
	}
	for name, up := range c.Upstreams {
		up.BaseURL = strings.TrimSuffix(up.BaseURL, "/")
		c.Upstreams[name] = up
	}
	for i := range c.Routes {
		if c.Routes[i].Match == "" {
			c.Routes[i].Match = MatchPrefix
		}
		if c.Routes[i].Name == "" {
			c.Routes[i].Name = fmt.Sprintf("route%d", i)
		}
	}
	if c.Tenant.Header == "" {
		c.Tenant.Header = "X-Workspace-Id"
	}
	if c.Tenant.Redis.KeyPrefix == "" {
		c.Tenant.Redis.KeyPrefix = "workspace:host:"
	}
	if c.Tenant.Redis.TimeoutMS == 0 {
		c.Tenant.Redis.TimeoutMS = 200
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "edge-proxy"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}
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
