package browser

import (
	"context"
)

// SessionLifecycleObserver is notified when a session closes.
type SessionLifecycleObserver interface {
	unregisterSession(s *Session)
}

// CombineContext creates a new context derived from sessionCtx (inheriting its values,
// including the chromedp context) but ensures it is cancelled if opCtx is cancelled.
// Callers control timeouts through opCtx while chromedp still finds its target
// through sessionCtx.
func CombineContext(sessionCtx context.Context, opCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(sessionCtx)
	stop := context.AfterFunc(opCtx, cancel)
	return combinedCtx, func() {
		stop()
		cancel()
	}
}
