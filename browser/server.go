// Package browser exposes page automation over a real chromium browser as a set of
// callable tools: navigation, content extraction, element interaction, screenshots, and
// script evaluation.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gobwas/glob"

	"github.com/MegaGrindStone/go-mcp-browser"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config holds the browser and extraction settings for a Server. Zero fields take the
// values from DefaultConfig.
type Config struct {
	// Headless launches chromium without a visible window.
	Headless bool
	// UserAgent overrides the browser context's user agent string.
	UserAgent string

	// NavTimeout is the page's default timeout for element operations.
	NavTimeout time.Duration
	// WaitTimeout is the default wait for wait_for_element calls that give no timeout.
	WaitTimeout time.Duration
	// ClickTimeout bounds click_element.
	ClickTimeout time.Duration
	// LoadTimeout bounds navigate_to_url.
	LoadTimeout time.Duration

	// MaxContentLength caps the extracted page text, in characters.
	MaxContentLength int
	// MaxLinks and MaxImages cap how many links and images get collected from a page.
	MaxLinks  int
	MaxImages int

	// AllowedHosts restricts navigate_to_url to hosts matching any of the given glob
	// patterns, with '.' as the separator. Empty means every host is allowed.
	AllowedHosts []string

	// MaxSessions caps the browser session pool.
	MaxSessions int
	// IdleTimeout is how long a session may sit unused before its browser is closed.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default browser settings.
func DefaultConfig() Config {
	return Config{
		Headless:         false,
		UserAgent:        defaultUserAgent,
		NavTimeout:       30 * time.Second,
		WaitTimeout:      30 * time.Second,
		ClickTimeout:     5 * time.Second,
		LoadTimeout:      10 * time.Second,
		MaxContentLength: 10000,
		MaxLinks:         100,
		MaxImages:        100,
		MaxSessions:      5,
		IdleTimeout:      5 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = def.NavTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	if c.ClickTimeout <= 0 {
		c.ClickTimeout = def.ClickTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = def.LoadTimeout
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = def.MaxContentLength
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = def.MaxLinks
	}
	if c.MaxImages <= 0 {
		c.MaxImages = def.MaxImages
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// Server drives a real chromium browser and exposes page automation as tools. It
// implements mcp.ToolExecutor; register its Tools with an mcp.Registry and hand both to
// an mcp.Dispatcher. The browser launches lazily on the first call that needs it.
//
// All tool calls run against one shared browser session, one at a time. Page state
// (current URL, DOM, history) carries over from call to call.
type Server struct {
	logger       *slog.Logger
	cfg          Config
	sessions     *Manager
	allowedHosts []glob.Glob
}

// Option configures a Server when creating it with NewServer.
type Option func(*Server)

// WithLogger sets the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-browser"),
			slog.String("component", "browser"),
		)
	}
}

// NewServer creates a browser tool server with the given configuration. It returns an
// error if an allowed host pattern does not compile.
func NewServer(cfg Config, options ...Option) (*Server, error) {
	s := &Server{
		logger: slog.Default(),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range options {
		opt(s)
	}

	for _, pattern := range s.cfg.AllowedHosts {
		compiled, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("failed to compile allowed host pattern %s: %w", pattern, err)
		}
		s.allowedHosts = append(s.allowedHosts, compiled)
	}

	s.sessions = NewManager(s.cfg, s.logger)
	return s, nil
}

// Tools returns the tool definitions this server implements, in registration order.
func (s *Server) Tools() []mcp.Tool {
	tools := make([]mcp.Tool, len(toolList))
	copy(tools, toolList)
	return tools
}

// CallTool implements mcp.ToolExecutor.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	switch params.Name {
	case "navigate_to_url":
		return s.navigateToURL(ctx, params)
	case "get_page_content":
		return s.getPageContent(ctx, params)
	case "get_page_title":
		return s.getPageTitle(ctx, params)
	case "click_element":
		return s.clickElement(ctx, params)
	case "fill_input":
		return s.fillInput(ctx, params)
	case "wait_for_element":
		return s.waitForElement(ctx, params)
	case "take_screenshot":
		return s.takeScreenshot(ctx, params)
	case "execute_javascript":
		return s.executeJavaScript(ctx, params)
	case "get_element_text":
		return s.getElementText(ctx, params)
	case "get_element_attribute":
		return s.getElementAttribute(ctx, params)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

// Close shuts down the browser sessions and the automation driver.
func (s *Server) Close() error {
	return s.sessions.Close()
}

// session returns the shared browser session all tools operate on.
func (s *Server) session(ctx context.Context) (*Session, func(), error) {
	return s.sessions.Acquire(ctx, defaultSession)
}

// validateURL enforces the navigation policy: absolute http or https URLs only, and when
// an allowlist is configured the host must match one of its patterns.
func (s *Server) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}

	if len(s.allowedHosts) == 0 {
		return nil
	}
	host := u.Hostname()
	for _, pattern := range s.allowedHosts {
		if pattern.Match(host) {
			return nil
		}
	}
	return fmt.Errorf("host %s is not in the allowed host list", host)
}
