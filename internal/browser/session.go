package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/frames"
	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// Session is one attached browser tab with its frame tree tracked.
type Session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	selectors config.SelectorsConfig
	observer  SessionLifecycleObserver

	frames    *frames.Manager
	closeOnce sync.Once
}

func newSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, selectors config.SelectorsConfig, observer SessionLifecycleObserver, id string) *Session {
	return &Session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("session").With(zap.String("session_id", id)),
		selectors: selectors,
		observer:  observer,
	}
}

// attach starts the tab, turns on lifecycle events and loads the frame tree.
func (s *Session) attach(ctx context.Context) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	// The first Run allocates the target.
	if err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	})); err != nil {
		return fmt.Errorf("failed to enable lifecycle events: %w", err)
	}

	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return fmt.Errorf("no target attached to session %s", s.id)
	}
	client := protocol.NewCDPClient(c.Target, s.logger, 0)
	s.frames = frames.NewManager(client, s.logger, s.selectors)

	// Subscribe before loading so no attach/navigate between the two is lost.
	chromedp.ListenTarget(s.ctx, s.frames.HandleEvent)
	if err := s.frames.LoadFrameTree(runCtx); err != nil {
		return err
	}
	s.logger.Debug("Session attached", zap.String("main_frame", string(s.frames.MainFrame().ID())))
	return nil
}

func (s *Session) ID() string { return s.id }

// Context returns the chromedp context of the tab.
func (s *Session) Context() context.Context { return s.ctx }

// Frames returns the frame tree tracker of the tab.
func (s *Session) Frames() *frames.Manager { return s.frames }

// MainFrame is shorthand for Frames().MainFrame().
func (s *Session) MainFrame() *frames.Frame { return s.frames.MainFrame() }

// Navigate loads url in the tab and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing session")
		if s.observer != nil {
			s.observer.unregisterSession(s)
		}
		defer s.cancel()
		if s.frames == nil {
			// Never attached, nothing to close remotely.
			return
		}
		closeCtx, cancel := CombineContext(s.ctx, ctx)
		defer cancel()
		if cerr := chromedp.Cancel(closeCtx); cerr != nil && ctx.Err() == nil {
			err = fmt.Errorf("failed to close tab: %w", cerr)
		}
	})
	return err
}
