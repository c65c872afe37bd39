package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// defaultSession is the session every tool call runs against. The pool keeps room for
// more so embedders can drive additional isolated browsers through Acquire.
const defaultSession = "default"

const (
	sweepInterval  = time.Minute
	viewportWidth  = 1920
	viewportHeight = 1080
)

var chromiumArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
}

// Session is a single running browser: one chromium process with one page that keeps its
// navigation state across tool calls. Page operations on a session are serialized;
// Acquire hands the session out with exclusive use and the release function returns it.
type Session struct {
	id        string
	name      string
	createdAt time.Time

	mu         sync.Mutex
	closed     bool
	browser    playwright.Browser
	browserCtx playwright.BrowserContext
	page       playwright.Page

	// lastUsed is guarded by the owning Manager's mutex, not the session's own, so the
	// idle sweep can read it without waiting out an in-flight call.
	lastUsed time.Time
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Name returns the name the session was acquired under.
func (s *Session) Name() string {
	return s.name
}

// Page exposes the session's page for direct automation. Callers may only use it between
// Acquire and release.
func (s *Session) Page() playwright.Page {
	return s.page
}

// close tears down the playwright resources. The caller must hold s.mu.
func (s *Session) close(logger *slog.Logger) {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.page.Close(); err != nil {
		logger.Warn("failed to close page", slog.String("sessionID", s.id), slog.String("err", err.Error()))
	}
	if err := s.browserCtx.Close(); err != nil {
		logger.Warn("failed to close browser context", slog.String("sessionID", s.id), slog.String("err", err.Error()))
	}
	if err := s.browser.Close(); err != nil {
		logger.Warn("failed to close browser", slog.String("sessionID", s.id), slog.String("err", err.Error()))
	}
}

// Manager owns the browser sessions behind a Server. Sessions launch lazily on first
// acquire, the pool is capped at MaxSessions with the least recently used session evicted
// to make room, and a background sweep closes sessions idle past IdleTimeout. A closed
// session relaunches on the next acquire, so callers never observe the eviction beyond
// losing the old page state.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	mu       sync.Mutex
	pw       *playwright.Playwright
	sessions map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager with the given configuration and starts its idle
// sweep. A nil logger falls back to slog.Default().
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire returns the named session with exclusive use of its page, launching a browser
// for it if needed. The release function must be called exactly once when the caller is
// done. Acquire blocks while another caller holds the same session.
func (m *Manager) Acquire(ctx context.Context, name string) (*Session, func(), error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		m.mu.Lock()
		sess, ok := m.sessions[name]
		var victim *Session
		if !ok {
			if len(m.sessions) >= m.cfg.MaxSessions {
				victim = m.evictOldestLocked()
			}
			var err error
			sess, err = m.launchLocked(name)
			if err != nil {
				m.mu.Unlock()
				if victim != nil {
					m.shutdownSession(victim)
				}
				return nil, nil, err
			}
		}
		sess.lastUsed = time.Now()
		m.mu.Unlock()

		if victim != nil {
			m.shutdownSession(victim)
		}

		sess.mu.Lock()
		if sess.closed {
			// The sweep closed it between lookup and lock; launch a fresh one.
			sess.mu.Unlock()
			continue
		}
		release := func() {
			m.mu.Lock()
			sess.lastUsed = time.Now()
			m.mu.Unlock()
			sess.mu.Unlock()
		}
		return sess, release, nil
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every session and stops the playwright driver. The manager must not
// be used afterwards.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})

	m.mu.Lock()
	victims := make([]*Session, 0, len(m.sessions))
	for name, sess := range m.sessions {
		delete(m.sessions, name)
		victims = append(victims, sess)
	}
	pw := m.pw
	m.pw = nil
	m.mu.Unlock()

	for _, sess := range victims {
		m.shutdownSession(sess)
	}

	if pw != nil {
		if err := pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
	}
	return nil
}

// ensurePlaywrightLocked installs and starts the playwright driver on first use. The
// caller must hold m.mu.
func (m *Manager) ensurePlaywrightLocked() error {
	if m.pw != nil {
		return nil
	}

	// Driver output would corrupt the stdio transport's stream, so it is discarded.
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	m.pw = pw
	return nil
}

// launchLocked starts a browser for the named session and adds it to the pool. The
// caller must hold m.mu.
func (m *Manager) launchLocked(name string) (*Session, error) {
	if err := m.ensurePlaywrightLocked(); err != nil {
		return nil, err
	}

	headless := m.cfg.Headless
	browser, err := m.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
		Args:     chromiumArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  viewportWidth,
			Height: viewportHeight,
		},
	}
	if m.cfg.UserAgent != "" {
		userAgent := m.cfg.UserAgent
		ctxOpts.UserAgent = &userAgent
	}
	browserCtx, err := browser.NewContext(ctxOpts)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(m.cfg.NavTimeout.Milliseconds()))

	now := time.Now()
	sess := &Session{
		id:         uuid.New().String(),
		name:       name,
		createdAt:  now,
		lastUsed:   now,
		browser:    browser,
		browserCtx: browserCtx,
		page:       page,
	}
	m.sessions[name] = sess

	m.logger.Info("browser session launched",
		slog.String("sessionID", sess.id),
		slog.String("sessionName", name),
		slog.Bool("headless", m.cfg.Headless),
	)
	return sess, nil
}

// evictOldestLocked removes the least recently used session from the pool and returns
// it. The caller closes it after releasing m.mu.
func (m *Manager) evictOldestLocked() *Session {
	var oldest *Session
	for _, sess := range m.sessions {
		if oldest == nil || sess.lastUsed.Before(oldest.lastUsed) {
			oldest = sess
		}
	}
	if oldest != nil {
		delete(m.sessions, oldest.name)
	}
	return oldest
}

// shutdownSession closes a session's browser, waiting out any in-flight call first.
func (m *Manager) shutdownSession(sess *Session) {
	sess.mu.Lock()
	sess.close(m.logger)
	sess.mu.Unlock()

	m.logger.Info("browser session closed",
		slog.String("sessionID", sess.id),
		slog.String("sessionName", sess.name),
	)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle closes sessions that have sat unused past the idle timeout.
func (m *Manager) sweepIdle() {
	m.mu.Lock()
	var victims []*Session
	for name, sess := range m.sessions {
		if time.Since(sess.lastUsed) > m.cfg.IdleTimeout {
			delete(m.sessions, name)
			victims = append(victims, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range victims {
		m.shutdownSession(sess)
	}
	if len(victims) > 0 {
		m.logger.Info("idle browser sessions cleaned up", slog.Int("count", len(victims)))
	}
}
