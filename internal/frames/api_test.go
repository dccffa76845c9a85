package frames

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	_, m := newOfflineManager(t, framesHTML)
	main := m.MainFrame()

	t.Run("ClosedShadowRootsInDocumentOrder", func(t *testing.T) {
		handles, err := main.ResolveAll(ctx, ".item", Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, idsOf(t, handles))
	})

	t.Run("NoMatch", func(t *testing.T) {
		handles, err := main.ResolveAll(ctx, "#missing", Options{})
		require.NoError(t, err)
		assert.Empty(t, handles)
	})

	t.Run("Strict", func(t *testing.T) {
		_, err := main.ResolveAll(ctx, ".item", Options{Strict: true})
		var violation *selector.StrictModeViolationError
		require.ErrorAs(t, err, &violation)
		assert.Len(t, violation.Matches, 3)
		assert.Contains(t, err.Error(), "div#b.item")

		handles, err := main.ResolveAll(ctx, "#a", Options{Strict: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, idsOf(t, handles))
	})

	t.Run("Scope", func(t *testing.T) {
		host, err := main.ResolveFirst(ctx, "#host", Options{})
		require.NoError(t, err)
		handles, err := main.ResolveAll(ctx, ".item", Options{Scope: host})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, idsOf(t, handles))
	})

	t.Run("ParseError", func(t *testing.T) {
		_, err := main.ResolveAll(ctx, "internal:control=enter-frame >> div", Options{})
		var perr *selector.ParseError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("UnsupportedEngine", func(t *testing.T) {
		_, err := main.ResolveAll(ctx, "bogus=thing", Options{})
		assert.ErrorIs(t, err, dom.ErrUnsupportedEngine)
	})
}

func TestResolveFirstAndCount(t *testing.T) {
	ctx := context.Background()
	_, m := newOfflineManager(t, framesHTML)
	main := m.MainFrame()

	h, err := main.ResolveFirst(ctx, ".item", Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", idOf(t, h))

	h, err = main.ResolveFirst(ctx, "#missing", Options{})
	require.NoError(t, err)
	assert.Nil(t, h)

	n, err := main.Count(ctx, ".item", Options{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = main.Count(ctx, "#missing", Options{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()
	_, m := newOfflineManager(t, framesHTML)
	main := m.MainFrame()

	tests := []struct {
		selector string
		visible  bool
	}{
		{"#a", true},
		{"#b", true},
		{"#c", false},
		{"#missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			visible, err := main.IsVisible(ctx, tt.selector, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.visible, visible)

			hidden, err := main.IsHidden(ctx, tt.selector, Options{})
			require.NoError(t, err)
			assert.Equal(t, !tt.visible, hidden)
		})
	}

	_, err := main.IsVisible(ctx, ".item", Options{Strict: true})
	var violation *selector.StrictModeViolationError
	assert.ErrorAs(t, err, &violation)
}

func TestFrameCrossing(t *testing.T) {
	ctx := context.Background()

	t.Run("LightDOMOwner", func(t *testing.T) {
		p, m := newOfflineManager(t, framesHTML)
		h, err := m.MainFrame().ResolveFirst(ctx, "iframe#child >> internal:control=enter-frame >> button", Options{})
		require.NoError(t, err)
		assert.Equal(t, "cb", idOf(t, h))

		childID, _ := p.FrameByName("child")
		assert.Equal(t, childID, h.Context().FrameID())
		assert.Equal(t, dom.UtilityWorld, h.Context().Kind())
	})

	t.Run("ClosedShadowOwnerWithCustomLogic", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		h, err := m.MainFrame().ResolveFirst(ctx, "iframe#inner >> internal:control=enter-frame >> button", Options{})
		require.NoError(t, err)
		assert.Equal(t, "ib", idOf(t, h))
	})

	t.Run("ClosedShadowOwnerWithoutCustomLogic", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML, func(c *config.SelectorsConfig) { c.CustomLogic = false })
		main := m.MainFrame()

		h, err := main.ResolveFirst(ctx, "iframe#inner >> internal:control=enter-frame >> button", Options{})
		require.NoError(t, err)
		assert.Nil(t, h)

		_, err = main.WaitForSelector(ctx, "iframe#inner >> internal:control=enter-frame >> button",
			WaitOptions{Options: Options{Timeout: 100 * time.Millisecond}})
		var timeout *TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Contains(t, strings.Join(timeout.Log, "\n"), "frame owner")
	})

	t.Run("NotAFrameOwner", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		start := time.Now()
		_, err := m.MainFrame().WaitForSelector(ctx, "#a >> internal:control=enter-frame >> button", WaitOptions{})
		assert.ErrorIs(t, err, ErrNotFrameOwner)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("StrictOwner", func(t *testing.T) {
		_, m := newOfflineManager(t, `<iframe name="x" srcdoc="<button>1</button>"></iframe><iframe name="y" srcdoc="<button>2</button>"></iframe>`)
		main := m.MainFrame()

		_, err := main.ResolveAll(ctx, "iframe >> internal:control=enter-frame >> button", Options{Strict: true})
		var violation *selector.StrictModeViolationError
		assert.ErrorAs(t, err, &violation)

		// Without strict mode the first owner wins.
		handles, err := main.ResolveAll(ctx, "iframe >> internal:control=enter-frame >> button", Options{})
		require.NoError(t, err)
		assert.Len(t, handles, 1)
	})
}

func TestWaitForSelector(t *testing.T) {
	ctx := context.Background()

	t.Run("AppearsLater", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		main := m.MainFrame()

		errc := make(chan error, 1)
		go func() {
			time.Sleep(100 * time.Millisecond)
			errc <- main.SetContent(ctx, `<div id="late">here</div>`)
		}()

		h, err := main.WaitForSelector(ctx, "#late", WaitOptions{Options: Options{Timeout: 5 * time.Second}})
		require.NoError(t, <-errc)
		require.NoError(t, err)
		assert.Equal(t, "late", idOf(t, h))
	})

	t.Run("Detached", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		main := m.MainFrame()

		errc := make(chan error, 1)
		go func() {
			time.Sleep(100 * time.Millisecond)
			errc <- main.SetContent(ctx, `<div id="other">other</div>`)
		}()

		h, err := main.WaitForSelector(ctx, "#a", WaitOptions{
			Options: Options{Timeout: 5 * time.Second},
			State:   StateDetached,
		})
		require.NoError(t, <-errc)
		require.NoError(t, err)
		assert.Nil(t, h)
	})

	t.Run("States", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		main := m.MainFrame()

		h, err := main.WaitForSelector(ctx, "#c", WaitOptions{State: StateAttached})
		require.NoError(t, err)
		assert.Equal(t, "c", idOf(t, h))

		h, err = main.WaitForSelector(ctx, "#c", WaitOptions{State: StateHidden})
		require.NoError(t, err)
		assert.Nil(t, h)

		h, err = main.WaitForSelector(ctx, "#missing", WaitOptions{State: StateHidden})
		require.NoError(t, err)
		assert.Nil(t, h)

		_, err = main.WaitForSelector(ctx, "#c", WaitOptions{
			Options: Options{Timeout: 100 * time.Millisecond},
			State:   StateVisible,
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("UnsupportedState", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		_, err := m.MainFrame().WaitForSelector(ctx, "#a", WaitOptions{State: "enabled"})
		assert.ErrorIs(t, err, ErrUnsupportedOption)
	})

	t.Run("StrictIsFatal", func(t *testing.T) {
		_, m := newOfflineManager(t, framesHTML)
		start := time.Now()
		_, err := m.MainFrame().WaitForSelector(ctx, ".item", WaitOptions{
			Options: Options{Strict: true, Timeout: 5 * time.Second},
			State:   StateAttached,
		})
		var violation *selector.StrictModeViolationError
		assert.ErrorAs(t, err, &violation)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestPollingTimeout(t *testing.T) {
	ctx := context.Background()
	p, m := newOfflineManager(t, framesHTML, func(c *config.SelectorsConfig) {
		c.Backoff = []time.Duration{0, 200 * time.Millisecond}
	})
	main := m.MainFrame()
	before := p.Calls(runtime.CommandEvaluate)

	start := time.Now()
	_, err := main.WaitForSelector(ctx, "#never", WaitOptions{Options: Options{Timeout: 300 * time.Millisecond}})
	elapsed := time.Since(start)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 300*time.Millisecond, timeout.Timeout)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	require.NotEmpty(t, timeout.Log)
	assert.True(t, strings.HasPrefix(timeout.Log[0], "waiting for "), timeout.Log[0])
	assert.Contains(t, timeout.Log[0], "#never")
	assert.Contains(t, err.Error(), "Call log:")

	// Attempts at 0ms and 200ms; the next one would land past the deadline.
	// Each attempt evaluates the document once.
	assert.Equal(t, 2, p.Calls(runtime.CommandEvaluate)-before)
}

func TestPollingCancellation(t *testing.T) {
	_, m := newOfflineManager(t, framesHTML)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := m.MainFrame().WaitForSelector(ctx, "#never", WaitOptions{Options: Options{Timeout: 5 * time.Second}})
	assert.ErrorIs(t, err, context.Canceled)
	var timeout *TimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestEvalOnSelector(t *testing.T) {
	ctx := context.Background()
	_, m := newOfflineManager(t, framesHTML)
	main := m.MainFrame()

	v, err := main.EvalOnSelector(ctx, "#b", Options{}, "(el, suffix) => el.id + suffix", "!")
	require.NoError(t, err)
	assert.JSONEq(t, `"b!"`, string(v))

	v, err = main.EvalOnSelectorAll(ctx, ".item", Options{}, "(els, sep) => els.map(e => e.id).join(sep)", ",")
	require.NoError(t, err)
	assert.JSONEq(t, `"a,b,c"`, string(v))

	v, err = main.EvalOnSelectorAll(ctx, "#missing", Options{}, "(els) => els.length")
	require.NoError(t, err)
	assert.JSONEq(t, `0`, string(v))

	_, err = main.EvalOnSelector(ctx, "#a", Options{}, "(el) => { throw new Error('kaput') }")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestEvaluateWorlds(t *testing.T) {
	ctx := context.Background()
	p, m := newOfflineManager(t, framesHTML)

	v, err := m.MainFrame().Evaluate(ctx, dom.MainWorld, "document.title")
	require.NoError(t, err)
	assert.JSONEq(t, `"Frames"`, string(v))

	child := frameNamed(t, p, m, "child")
	ec, err := child.World(ctx, dom.MainWorld)
	require.NoError(t, err)
	assert.Equal(t, dom.RelayedMainWorld, ec.Kind())

	v, err = child.Evaluate(ctx, dom.MainWorld, "document.querySelector('p').id")
	require.NoError(t, err)
	assert.JSONEq(t, `"cp"`, string(v))

	utility, err := child.World(ctx, dom.UtilityWorld)
	require.NoError(t, err)
	assert.NotEqual(t, ec.ID(), utility.ID())
}
