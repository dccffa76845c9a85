package frames

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

// ReturnMode decides which outcomes reach a polling action.
type ReturnMode int

const (
	// ReturnOnResolved only calls the action with a matched element.
	ReturnOnResolved ReturnMode = iota
	// ReturnOnNotResolved also calls the action when nothing matched.
	ReturnOnNotResolved
	// ReturnAll is ReturnOnNotResolved with the full match list attached.
	ReturnAll
)

// Resolution is what a polling action sees. Handle is nil when nothing
// matched; All is only set in ReturnAll mode.
type Resolution struct {
	Handle *dom.ElementHandle
	All    []*dom.ElementHandle
}

type request struct {
	sel    *selector.Selector
	strict bool
	scope  *dom.ElementHandle
	mode   ReturnMode
}

// resolveOnce runs a single resolution pass: frame crossing, then the
// resolver in the target frame's utility world.
func (f *Frame) resolveOnce(ctx context.Context, req request, progress *Progress) ([]*dom.ElementHandle, error) {
	t, err := f.resolveFrameForSelector(ctx, req.sel, req.scope, req.strict, progress)
	if err != nil || t == nil {
		return nil, err
	}
	if t.scope != nil {
		return f.manager.resolver.Resolve(ctx, t.scope, t.sel)
	}

	// Each pass fetches a fresh document, so it is released here unless the
	// selector resolved to the document itself.
	doc, err := t.frame.Document(ctx, dom.UtilityWorld)
	if err != nil || doc == nil {
		return nil, err
	}
	handles, err := f.manager.resolver.Resolve(ctx, doc, t.sel)
	if !slices.Contains(handles, doc) {
		_ = doc.Dispose(context.WithoutCancel(ctx))
	}
	return handles, err
}

// attempt resolves once and hands the outcome to the action. done is false
// when the attempt should be repeated.
func attempt[T any](ctx context.Context, f *Frame, req request, progress *Progress, action func(context.Context, Resolution) (T, error)) (v T, done bool, err error) {
	handles, err := f.resolveOnce(ctx, req, progress)
	if err != nil {
		return v, false, err
	}

	if len(handles) == 0 {
		if req.mode == ReturnOnResolved {
			return v, false, nil
		}
		if v, err = action(ctx, Resolution{}); err != nil {
			return v, false, err
		}
		return v, true, nil
	}

	first := handles[0]
	if len(handles) > 1 {
		if req.strict {
			// The violation keeps the previews, not the remote objects.
			dom.DisposeAll(context.WithoutCancel(ctx), handles)
			return v, false, selector.NewStrictModeViolation(req.sel, matchesOf(handles))
		}
		progress.Log("  locator resolved to %d elements. Proceeding with the first one: %s", len(handles), first.Preview())
	} else {
		progress.Log("  locator resolved to %s", first.Preview())
	}

	// The action owns what it is handed. Outside ReturnAll that is only the
	// first match, so the rest are released now.
	res := Resolution{Handle: first}
	owned := handles
	if req.mode == ReturnAll {
		res.All = handles
	} else {
		dom.DisposeAll(context.WithoutCancel(ctx), handles[1:])
		owned = handles[:1]
	}
	if v, err = action(ctx, res); err != nil {
		dom.DisposeAll(context.WithoutCancel(ctx), owned)
		if errors.Is(err, ErrElementDetached) {
			progress.Log("  element was detached from the DOM, retrying")
		}
		return v, false, err
	}
	return v, true, nil
}

// poll repeats attempts on the configured backoff until the action accepts
// a resolution, a fatal error occurs, or the timeout passes.
func poll[T any](ctx context.Context, f *Frame, req request, timeout time.Duration, progress *Progress, action func(context.Context, Resolution) (T, error)) (T, error) {
	var zero T
	cfg := f.manager.cfg
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = config.DefaultBackoff
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress.Log("waiting for %s", req.sel)
	for i := 0; ; i++ {
		if err := sleep(pctx, backoff[min(i, len(backoff)-1)]); err != nil {
			return zero, stopped(ctx, req, timeout, progress)
		}

		v, done, err := attempt(pctx, f, req, progress, action)
		switch {
		case done:
			return v, nil
		case err == nil:
			// Nothing matched yet.
			continue
		case pctx.Err() != nil:
			// The attempt was cut short by the deadline or the caller; report
			// that rather than whatever error the interrupted call produced.
			return zero, stopped(ctx, req, timeout, progress)
		case IsNonRetriable(err):
			return zero, err
		case errors.Is(err, ErrContinuePolling), errors.Is(err, ErrElementDetached):
			// The action rejected the element; attempt already logged why.
			continue
		case isRetriable(err):
			progress.Log("  retrying after: %v", err)
		default:
			return zero, err
		}
	}
}

// stopped builds the error for a poll that ran out of time or was
// cancelled by the caller.
func stopped(parent context.Context, req request, timeout time.Duration, progress *Progress) error {
	if err := parent.Err(); errors.Is(err, context.Canceled) {
		return err
	}
	return &TimeoutError{Selector: req.sel.String(), Timeout: timeout, Log: progress.Lines()}
}

// sleep waits for d, returning early with the context's error.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
