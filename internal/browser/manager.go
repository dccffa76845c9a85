package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deepquery/internal/config"
)

// ErrShutdown is returned by NewSession once the manager has shut down.
var ErrShutdown = errors.New("browser manager is shut down")

// Manager connects to a browser and hands out page sessions. It either
// launches a local executable or attaches to a running instance; the
// browser's own lifecycle is otherwise left alone.
type Manager struct {
	logger    *zap.Logger
	cfg       config.BrowserConfig
	selectors config.SelectorsConfig

	// ChromeDP allocator context manages the underlying browser connection.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// Track active sessions for graceful shutdown.
	sessions map[string]*Session
	closed   bool
	mu       sync.Mutex
}

var _ SessionLifecycleObserver = (*Manager)(nil)

// NewManager creates the allocator. Nothing is launched or dialed until the
// first session is opened.
func NewManager(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("browser manager requires a configuration")
	}
	m := &Manager{
		logger:    logger.Named("browser_manager"),
		cfg:       cfg.Browser,
		selectors: cfg.Selectors,
		sessions:  make(map[string]*Session),
	}

	if m.cfg.RemoteURL != "" {
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, m.cfg.RemoteURL)
		m.logger.Info("Browser manager initialized", zap.String("remote_url", m.cfg.RemoteURL))
		return m, nil
	}

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.generateAllocatorOptions()...)
	m.logger.Info("Browser manager initialized",
		zap.Bool("headless", m.cfg.Headless),
		zap.String("exec_path", m.cfg.ExecPath),
	)
	return m, nil
}

// generateAllocatorOptions configures the flags for a launched browser.
func (m *Manager) generateAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	// DefaultExecAllocatorOptions is headless; undo that when asked.
	opts = append(opts, chromedp.Flag("headless", m.cfg.Headless))
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}

	opts = append(opts,
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		// GPU often causes issues in headless/containerized environments.
		chromedp.Flag("disable-gpu", m.cfg.Headless),
	)

	for _, arg := range m.cfg.Args {
		name, value := parseFlag(arg)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseFlag turns "--name=value" or "--name" into a chromedp flag.
func parseFlag(arg string) (string, any) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return name, true
	}
	return name, value
}

// NewSession opens a new tab and attaches the frame tracking to it.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.mu.Unlock()

	// 1. A new chromedp context is a new tab; nothing is allocated until the
	// first action runs against it in attach.
	tabCtx, cancel := chromedp.NewContext(m.allocatorCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Errorf),
	)

	s := newSession(tabCtx, cancel, m.logger, m.selectors, m, uuid.NewString())

	// 2. Bound the launch or dial, lifecycle setup and frame tree load.
	connectCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancelConnect context.CancelFunc
		connectCtx, cancelConnect = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancelConnect()
	}
	if err := s.attach(connectCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to browser tab: %w", err)
	}

	// 3. Only attached sessions are tracked, so Shutdown never closes a tab
	// that never opened.
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s, nil
}

// unregisterSession removes the session from the tracking map. Called by
// Session.Close.
func (m *Manager) unregisterSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
}

// Sessions returns the number of open sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session, then the allocator. A launched browser
// exits with it; an attached one only loses the connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager...")

	// Take the sessions out under the lock; closing them calls back into
	// unregisterSession, which needs it.
	m.mu.Lock()
	m.closed = true
	sessionsToClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessionsToClose {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				m.logger.Warn("Error closing browser session during shutdown", zap.String("session_id", s.id), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()

	// Cancelling the allocator kills a launched browser and drops the
	// websocket of a remote one.
	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
