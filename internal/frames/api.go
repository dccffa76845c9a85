package frames

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/protocol"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

// Element states accepted by WaitForSelector.
const (
	StateAttached = "attached"
	StateDetached = "detached"
	StateVisible  = "visible"
	StateHidden   = "hidden"
)

// Options apply to every selector call on a Frame.
type Options struct {
	// Strict turns more than one match into a StrictModeViolationError.
	Strict bool
	// Scope narrows the search to the subtree of an element in this frame.
	Scope *dom.ElementHandle
	// Timeout bounds polling calls. Zero means the configured default.
	Timeout time.Duration
}

// WaitOptions configure WaitForSelector.
type WaitOptions struct {
	Options
	// State defaults to visible.
	State string
}

func (f *Frame) parse(text string) (*selector.Selector, error) {
	return selector.Parse(text)
}

// once runs a single resolution pass without polling. Conditions that would
// merely be retried count as "nothing matched".
func (f *Frame) once(ctx context.Context, text string, opts Options, method string) ([]*dom.ElementHandle, *selector.Selector, error) {
	sel, err := f.parse(text)
	if err != nil {
		return nil, nil, err
	}
	progress := NewProgress(f.logger, method)
	handles, err := f.resolveOnce(ctx, request{sel: sel, strict: opts.Strict, scope: opts.Scope}, progress)
	if err != nil {
		if ctx.Err() == nil && !IsNonRetriable(err) && isRetriable(err) {
			progress.Log("  treating as no match: %v", err)
			return nil, sel, nil
		}
		return nil, sel, err
	}
	return handles, sel, nil
}

// ResolveAll returns every element matching the selector right now, in
// document order. The caller owns the handles.
func (f *Frame) ResolveAll(ctx context.Context, text string, opts Options) ([]*dom.ElementHandle, error) {
	handles, sel, err := f.once(ctx, text, opts, "resolveAll")
	if err != nil {
		return nil, err
	}
	if opts.Strict && len(handles) > 1 {
		dom.DisposeAll(context.WithoutCancel(ctx), handles)
		return nil, selector.NewStrictModeViolation(sel, matchesOf(handles))
	}
	return handles, nil
}

// WaitForAll polls until the selector matches at least one element and
// returns every match of that same pass, in document order. The caller owns
// the handles.
func (f *Frame) WaitForAll(ctx context.Context, text string, opts Options) ([]*dom.ElementHandle, error) {
	sel, err := f.parse(text)
	if err != nil {
		return nil, err
	}
	progress := NewProgress(f.logger, "waitForAll")
	req := request{sel: sel, strict: opts.Strict, scope: opts.Scope, mode: ReturnAll}
	return poll(ctx, f, req, opts.Timeout, progress, func(ctx context.Context, res Resolution) ([]*dom.ElementHandle, error) {
		if res.Handle == nil {
			return nil, ErrContinuePolling
		}
		return res.All, nil
	})
}

// ResolveFirst returns the first match, or nil when there is none.
func (f *Frame) ResolveFirst(ctx context.Context, text string, opts Options) (*dom.ElementHandle, error) {
	handles, err := f.ResolveAll(ctx, text, opts)
	if err != nil || len(handles) == 0 {
		return nil, err
	}
	dom.DisposeAll(context.WithoutCancel(ctx), handles[1:])
	return handles[0], nil
}

// Count returns how many elements match right now.
func (f *Frame) Count(ctx context.Context, text string, opts Options) (int, error) {
	opts.Strict = false
	handles, _, err := f.once(ctx, text, opts, "count")
	if err != nil {
		return 0, err
	}
	dom.DisposeAll(context.WithoutCancel(ctx), handles)
	return len(handles), nil
}

// IsVisible checks the first match without waiting. No match is not visible.
func (f *Frame) IsVisible(ctx context.Context, text string, opts Options) (bool, error) {
	h, err := f.ResolveFirst(ctx, text, opts)
	if err != nil || h == nil {
		return false, err
	}
	defer func() { _ = h.Dispose(context.WithoutCancel(ctx)) }()

	visible, err := h.State(ctx, protocol.StateVisible)
	if err != nil {
		if IsNonRetriable(err) || ctx.Err() != nil {
			return false, err
		}
		return false, nil
	}
	return visible, nil
}

// IsHidden is the negation of IsVisible; no match counts as hidden.
func (f *Frame) IsHidden(ctx context.Context, text string, opts Options) (bool, error) {
	visible, err := f.IsVisible(ctx, text, opts)
	if err != nil {
		return false, err
	}
	return !visible, nil
}

// WaitForSelector polls until the selector reaches the requested state. It
// returns the element for attached and visible, nil for detached and hidden.
func (f *Frame) WaitForSelector(ctx context.Context, text string, opts WaitOptions) (*dom.ElementHandle, error) {
	state := opts.State
	if state == "" {
		state = StateVisible
	}
	switch state {
	case StateAttached, StateDetached, StateVisible, StateHidden:
	default:
		return nil, fmt.Errorf("%w: state: expected one of (attached|detached|visible|hidden), got %q", ErrUnsupportedOption, state)
	}
	sel, err := f.parse(text)
	if err != nil {
		return nil, err
	}

	progress := NewProgress(f.logger, "waitForSelector")
	req := request{sel: sel, strict: opts.Strict, scope: opts.Scope, mode: ReturnOnNotResolved}
	return poll(ctx, f, req, opts.Timeout, progress, func(ctx context.Context, res Resolution) (*dom.ElementHandle, error) {
		attached := res.Handle != nil
		visible := false
		if attached {
			v, err := res.Handle.State(ctx, protocol.StateVisible)
			if err != nil {
				if protocol.IsTransient(err) || errors.Is(err, dom.ErrWrongContext) {
					return nil, ErrElementDetached
				}
				return nil, err
			}
			visible = v
		}

		var ok bool
		switch state {
		case StateAttached:
			ok = attached
		case StateDetached:
			ok = !attached
		case StateVisible:
			ok = visible
		case StateHidden:
			ok = !visible
		}
		if !ok {
			return nil, ErrContinuePolling
		}
		if state == StateAttached || state == StateVisible {
			return res.Handle, nil
		}
		if res.Handle != nil {
			_ = res.Handle.Dispose(context.WithoutCancel(ctx))
		}
		return nil, nil
	})
}

// EvalOnSelector waits for the selector and calls fn with the element as its
// first argument, followed by args. fn runs in the world the element was
// resolved in.
func (f *Frame) EvalOnSelector(ctx context.Context, text string, opts Options, fn string, args ...any) (jsontext.Value, error) {
	sel, err := f.parse(text)
	if err != nil {
		return nil, err
	}
	progress := NewProgress(f.logger, "evalOnSelector")
	req := request{sel: sel, strict: opts.Strict, scope: opts.Scope, mode: ReturnOnResolved}
	return poll(ctx, f, req, opts.Timeout, progress, func(ctx context.Context, res Resolution) (jsontext.Value, error) {
		defer func() { _ = res.Handle.Dispose(context.WithoutCancel(ctx)) }()
		return res.Handle.Parent().Context().Evaluate(ctx, fn, append([]any{res.Handle}, args...)...)
	})
}

// EvalOnSelectorAll calls fn with an array of every current match, followed
// by args. It does not wait for matches to appear.
func (f *Frame) EvalOnSelectorAll(ctx context.Context, text string, opts Options, fn string, args ...any) (jsontext.Value, error) {
	handles, err := f.ResolveAll(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	defer dom.DisposeAll(context.WithoutCancel(ctx), handles)

	var ec *dom.ExecutionContext
	if len(handles) > 0 {
		ec = handles[0].Context()
	} else if ec, err = f.World(ctx, dom.UtilityWorld); err != nil {
		return nil, err
	}

	// Handles travel as separate arguments; the wrapper gathers them back
	// into one array.
	wrapped := "function (n, ...rest) { return (" + strings.TrimSpace(fn) + ")(rest.slice(0, n), ...rest.slice(n)); }"
	wire := make([]any, 0, 1+len(handles)+len(args))
	wire = append(wire, len(handles))
	for _, h := range handles {
		wire = append(wire, h)
	}
	return ec.Evaluate(ctx, wrapped, append(wire, args...)...)
}

// Evaluate runs an expression in one of the frame's worlds and returns its
// value.
func (f *Frame) Evaluate(ctx context.Context, world dom.WorldKind, expression string) (jsontext.Value, error) {
	ec, err := f.World(ctx, world)
	if err != nil {
		return nil, err
	}
	return ec.Evaluate(ctx, "function () { return ("+expression+"); }")
}

// SetContent replaces the frame's document and drops its cached worlds.
func (f *Frame) SetContent(ctx context.Context, html string) error {
	if f.IsDetached() {
		return ErrFrameDetached
	}
	if err := f.Client().SetDocumentContent(ctx, f.id, html); err != nil {
		return fmt.Errorf("set content of frame %s: %w", f.id, err)
	}
	f.InvalidateWorlds()
	return nil
}
