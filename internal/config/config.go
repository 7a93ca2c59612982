// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/turnstile-solver/config.toml",
	"configs/config.toml",
}

// proxySchemes are the proxy URL schemes the browser accepts.
var proxySchemes = map[string]bool{
	"http": true, "https": true, "socks5": true,
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Proxy       string `kong:"help='Proxy URL for browser sessions (overrides config).',env='PROXY_URL'"`
	BrowserPath string `kong:"help='Browser executable path (overrides config).',env='BROWSER_PATH'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// ConfigurationError wraps invalid construction-time options.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config is the top-level application configuration. It is read-only at
// runtime; every component receives the same immutable instance.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Browser   BrowserConfig   `toml:"browser"`
	Solver    SolverConfig    `toml:"solver"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8191); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BrowserConfig holds browser launch settings.
type BrowserConfig struct {
	ExecutablePath string `toml:"executable_path"`
	Proxy          string `toml:"proxy"`
	UserDataDir    string `toml:"user_data_dir"`
}

// SolverConfig holds challenge-solving retry, timeout and caching settings.
type SolverConfig struct {
	MaxAttempts        int     `toml:"max_attempts"`
	ClickMaxAttempts   int     `toml:"click_max_attempts"`
	WaitSeconds        float64 `toml:"wait_seconds"`
	VerifyTimeoutSec   int     `toml:"verify_timeout_seconds"`
	PageLoadTimeoutSec int     `toml:"page_load_timeout_seconds"`
	InitialWaitSeconds float64 `toml:"initial_wait_seconds"`
	CacheTimeoutSec    int     `toml:"cache_timeout_seconds"`
	MaxConcurrentTasks int     `toml:"max_concurrent_tasks"`

	// DefaultHeaders is overlaid under the dynamic cookie/referer/user-agent
	// fields in every produced header set. Keys must be lowercase.
	DefaultHeaders map[string]string `toml:"default_headers"`
}

// ArtifactsConfig holds debug artifact output settings.
type ArtifactsConfig struct {
	HeadersOutputPath    string `toml:"headers_output_path"`
	SaveDebugScreenshots bool   `toml:"save_debug_screenshots"`
	ScreenshotDir        string `toml:"screenshot_dir"`
	VideoDir             string `toml:"video_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Mode     string `toml:"mode"` // disabled | console | file
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	FilePath string `toml:"file_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/turnstile-solver/config.toml then configs/config.toml. A missing
// config file is not an error: defaults cover every field.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
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
		return nil, &ConfigurationError{Err: err}
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
	if cli.Proxy != "" {
		c.Browser.Proxy = cli.Proxy
	}
	if cli.BrowserPath != "" {
		c.Browser.ExecutablePath = cli.BrowserPath
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Solver.MaxAttempts < 1 {
		return fmt.Errorf("solver.max_attempts must be >= 1; got %d", c.Solver.MaxAttempts)
	}
	if c.Solver.ClickMaxAttempts < 1 {
		return fmt.Errorf("solver.click_max_attempts must be >= 1; got %d", c.Solver.ClickMaxAttempts)
	}
	if c.Solver.WaitSeconds < 0 {
		return fmt.Errorf("solver.wait_seconds must be non-negative; got %v", c.Solver.WaitSeconds)
	}
	if c.Solver.VerifyTimeoutSec < 1 {
		return fmt.Errorf("solver.verify_timeout_seconds must be >= 1; got %d", c.Solver.VerifyTimeoutSec)
	}
	if c.Solver.PageLoadTimeoutSec < 1 {
		return fmt.Errorf("solver.page_load_timeout_seconds must be >= 1; got %d", c.Solver.PageLoadTimeoutSec)
	}
	if c.Solver.InitialWaitSeconds < 0 {
		return fmt.Errorf("solver.initial_wait_seconds must be non-negative; got %v", c.Solver.InitialWaitSeconds)
	}
	if c.Solver.CacheTimeoutSec < 0 {
		return fmt.Errorf("solver.cache_timeout_seconds must be non-negative; got %d", c.Solver.CacheTimeoutSec)
	}
	if c.Solver.MaxConcurrentTasks < 1 {
		return fmt.Errorf("solver.max_concurrent_tasks must be >= 1; got %d", c.Solver.MaxConcurrentTasks)
	}

	// Produced header sets are keyed by lowercase names; an uppercase
	// template key would never be overlaid or replayed consistently.
	for k := range c.Solver.DefaultHeaders {
		if k != strings.ToLower(k) {
			return fmt.Errorf("solver.default_headers key %q must be lowercase", k)
		}
	}

	// Proxy URL, when set, must carry a scheme the browser understands.
	if p := c.Browser.Proxy; p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("browser.proxy is not a valid URL: %w", err)
		}
		if !proxySchemes[u.Scheme] {
			return fmt.Errorf("browser.proxy scheme must be one of http, https, socks5; got %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("browser.proxy has no host: %q", p)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Mode) {
	case "disabled", "console", "file":
		// valid
	default:
		return fmt.Errorf("log.mode must be one of: disabled, console, file; got %q", c.Log.Mode)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api/v1", "/healthz", "/solver/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For numeric fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8191
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1 * 1024 * 1024 // solve requests are tiny
	}
	if c.Solver.MaxAttempts == 0 {
		c.Solver.MaxAttempts = 10
	}
	if c.Solver.ClickMaxAttempts == 0 {
		c.Solver.ClickMaxAttempts = 5
	}
	if c.Solver.WaitSeconds == 0 {
		c.Solver.WaitSeconds = 1.0
	}
	if c.Solver.VerifyTimeoutSec == 0 {
		c.Solver.VerifyTimeoutSec = 10
	}
	if c.Solver.PageLoadTimeoutSec == 0 {
		c.Solver.PageLoadTimeoutSec = 30
	}
	if c.Solver.InitialWaitSeconds == 0 {
		c.Solver.InitialWaitSeconds = 1.0
	}
	if c.Solver.CacheTimeoutSec == 0 {
		c.Solver.CacheTimeoutSec = 300
	}
	if c.Solver.MaxConcurrentTasks == 0 {
		c.Solver.MaxConcurrentTasks = 3
	}
	if c.Solver.DefaultHeaders == nil {
		c.Solver.DefaultHeaders = DefaultHeaderTemplate()
	}
	if c.Artifacts.ScreenshotDir == "" {
		c.Artifacts.ScreenshotDir = "debug_screenshots"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "console"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.FilePath == "" {
		c.Log.FilePath = "turnstile-solver.log"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// DefaultHeaderTemplate returns the stock browser-like header template used
// when the config does not supply one.
func DefaultHeaderTemplate() map[string]string {
	return map[string]string{
		"accept":             "*/*",
		"accept-language":    "zh-CN,zh;q=0.9,en;q=0.8",
		"sec-ch-ua":          `"Chromium";v="112", "Google Chrome";v="112", "Not:A-Brand";v="99"`,
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": `"Windows"`,
		"sec-fetch-dest":     "empty",
		"sec-fetch-mode":     "cors",
		"sec-fetch-site":     "same-origin",
	}
}

// Duration accessors; TOML stores raw seconds.

// WaitTime is the fixed backoff between click retries and challenge attempts.
func (c *SolverConfig) WaitTime() time.Duration {
	return time.Duration(c.WaitSeconds * float64(time.Second))
}

// VerifyTimeout bounds the wait for the verification control to disappear.
func (c *SolverConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSec) * time.Second
}

// PageLoadTimeout bounds navigation to the target URL.
func (c *SolverConfig) PageLoadTimeout() time.Duration {
	return time.Duration(c.PageLoadTimeoutSec) * time.Second
}

// InitialWait is the settle interval after navigation before probing.
func (c *SolverConfig) InitialWait() time.Duration {
	return time.Duration(c.InitialWaitSeconds * float64(time.Second))
}

// CacheTimeout is the TTL of cached header sets.
func (c *SolverConfig) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutSec) * time.Second
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

// WarnPermissions logs a warning if the config file is readable by group or
// others; proxy credentials may be embedded in it.
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
