// Package config loads the server configuration from built-in defaults, an optional
// YAML file, and MCP_BROWSER_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Transport modes accepted by Server.Transport.
const (
	TransportStdio      = "stdio"
	TransportSSE        = "sse"
	TransportHTTPStream = "http_stream"
)

// Config is the full server configuration. All timeouts are in milliseconds.
type Config struct {
	Server  Server     `yaml:"server"`
	SSE     SSE        `yaml:"sse"`
	HTTP    HTTPStream `yaml:"http_stream"`
	Browser Browser    `yaml:"browser"`
	Tools   Tools      `yaml:"tools"`
}

// Server holds the server identity and transport selection.
type Server struct {
	Name      string `yaml:"name" env:"MCP_BROWSER_SERVER_NAME"`
	Version   string `yaml:"version" env:"MCP_BROWSER_SERVER_VERSION"`
	LogLevel  string `yaml:"log_level" env:"MCP_BROWSER_LOG_LEVEL"`
	Transport string `yaml:"transport" env:"MCP_BROWSER_TRANSPORT"`
}

// SSE configures the sse transport listener.
type SSE struct {
	Host string `yaml:"host" env:"MCP_BROWSER_SSE_HOST"`
	Port int    `yaml:"port" env:"MCP_BROWSER_SSE_PORT"`
}

// HTTPStream configures the streamable http transport listener.
type HTTPStream struct {
	Host              string `yaml:"host" env:"MCP_BROWSER_HTTP_HOST"`
	Port              int    `yaml:"port" env:"MCP_BROWSER_HTTP_PORT"`
	MaxRequestSize    int64  `yaml:"max_request_size" env:"MCP_BROWSER_HTTP_MAX_REQUEST_SIZE"`
	ResponseTimeoutMS int    `yaml:"response_timeout" env:"MCP_BROWSER_HTTP_RESPONSE_TIMEOUT"`
}

// Browser holds the automation settings.
type Browser struct {
	Headless       bool     `yaml:"headless" env:"MCP_BROWSER_HEADLESS"`
	UserAgent      string   `yaml:"user_agent" env:"MCP_BROWSER_USER_AGENT"`
	TimeoutMS      int      `yaml:"timeout" env:"MCP_BROWSER_TIMEOUT"`
	WaitTimeoutMS  int      `yaml:"wait_timeout" env:"MCP_BROWSER_WAIT_TIMEOUT"`
	ClickTimeoutMS int      `yaml:"click_timeout" env:"MCP_BROWSER_CLICK_TIMEOUT"`
	LoadTimeoutMS  int      `yaml:"load_timeout" env:"MCP_BROWSER_LOAD_TIMEOUT"`
	AllowedHosts   []string `yaml:"allowed_hosts" env:"MCP_BROWSER_ALLOWED_HOSTS"`
	MaxSessions    int      `yaml:"max_sessions" env:"MCP_BROWSER_MAX_SESSIONS"`
	IdleTimeoutMS  int      `yaml:"idle_timeout" env:"MCP_BROWSER_IDLE_TIMEOUT"`
}

// Tools holds the content extraction limits.
type Tools struct {
	MaxContentLength int `yaml:"max_content_length" env:"MCP_BROWSER_MAX_CONTENT_LENGTH"`
	MaxLinks         int `yaml:"max_links" env:"MCP_BROWSER_MAX_LINKS"`
	MaxImages        int `yaml:"max_images" env:"MCP_BROWSER_MAX_IMAGES"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Name:      "mcp-browser-tools",
			Version:   "0.3.1",
			LogLevel:  "info",
			Transport: TransportSSE,
		},
		SSE: SSE{
			Host: "localhost",
			Port: 8000,
		},
		HTTP: HTTPStream{
			Host:              "127.0.0.1",
			Port:              8001,
			MaxRequestSize:    1 << 20,
			ResponseTimeoutMS: 30000,
		},
		Browser: Browser{
			Headless:       false,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			TimeoutMS:      30000,
			WaitTimeoutMS:  30000,
			ClickTimeoutMS: 5000,
			LoadTimeoutMS:  10000,
			MaxSessions:    5,
			IdleTimeoutMS:  300000,
		},
		Tools: Tools{
			MaxContentLength: 10000,
			MaxLinks:         100,
			MaxImages:        100,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (when path is not
// empty) and then with environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Env tags carry no defaults, so absent variables leave the current values in
	// place. With nothing set at all envdecode reports that no target fields were
	// set; that is not an error here.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (Config, error) {
	return Load("")
}

// Validate checks the configuration for values no transport or browser could run with.
func (c Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportSSE, TransportHTTPStream:
	default:
		return fmt.Errorf("unsupported transport mode: %s", c.Server.Transport)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	if c.SSE.Host == "" {
		return fmt.Errorf("sse host must not be empty")
	}
	if err := validatePort(c.SSE.Port); err != nil {
		return fmt.Errorf("sse port: %w", err)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http_stream host must not be empty")
	}
	if err := validatePort(c.HTTP.Port); err != nil {
		return fmt.Errorf("http_stream port: %w", err)
	}
	if c.HTTP.MaxRequestSize <= 0 {
		return fmt.Errorf("http_stream max_request_size must be positive")
	}
	if c.HTTP.ResponseTimeoutMS <= 0 {
		return fmt.Errorf("http_stream response_timeout must be positive")
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

// Level parses the configured log level.
func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level: %s", c.Server.LogLevel)
	}
}

// Addr returns the listen address in host:port form.
func (s SSE) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Addr returns the listen address in host:port form.
func (h HTTPStream) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}
