package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/frames"
)

type recordingObserver struct {
	closed []string
}

func (r *recordingObserver) unregisterSession(s *Session) {
	r.closed = append(r.closed, s.ID())
}

func testConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{
			Headless:       true,
			ConnectTimeout: 30 * time.Second,
		},
		Selectors: config.DefaultSelectorsConfig(),
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		arg   string
		name  string
		value any
	}{
		{"--mute-audio", "mute-audio", true},
		{"window-size=1280,720", "window-size", "1280,720"},
		{"  --lang=de ", "lang", "de"},
		{"--", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			name, value := parseFlag(tt.arg)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestCombineContext(t *testing.T) {
	type key struct{}
	sessionCtx := context.WithValue(context.Background(), key{}, "session")

	t.Run("OperationCancelPropagates", func(t *testing.T) {
		opCtx, cancelOp := context.WithCancel(context.Background())
		combined, cancel := CombineContext(sessionCtx, opCtx)
		defer cancel()

		assert.Equal(t, "session", combined.Value(key{}))
		cancelOp()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not cancelled with the operation")
		}
	})

	t.Run("SessionCancelPropagates", func(t *testing.T) {
		sCtx, cancelSession := context.WithCancel(sessionCtx)
		combined, cancel := CombineContext(sCtx, context.Background())
		defer cancel()

		cancelSession()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("CancelFuncReleases", func(t *testing.T) {
		combined, cancel := CombineContext(sessionCtx, context.Background())
		cancel()
		<-combined.Done()
	})
}

func TestNewManagerRequiresConfig(t *testing.T) {
	_, err := NewManager(context.Background(), zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestRemoteManagerUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Browser.RemoteURL = "ws://127.0.0.1:1/devtools/browser/none"
	cfg.Browser.ConnectTimeout = 5 * time.Second

	m, err := NewManager(context.Background(), zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	_, err = m.NewSession(context.Background())
	require.Error(t, err)
	assert.Zero(t, m.Sessions())

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = m.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	obs := &recordingObserver{}
	s := newSession(ctx, cancel, zaptest.NewLogger(t), config.DefaultSelectorsConfig(), obs, "s-1")

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []string{"s-1"}, obs.closed)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

// TestLiveBrowser runs the engine against a real browser. It needs a Chrome
// or Chromium binary and is skipped unless DEEPQUERY_TEST_BROWSER is set.
func TestLiveBrowser(t *testing.T) {
	if os.Getenv("DEEPQUERY_TEST_BROWSER") == "" {
		t.Skip("DEEPQUERY_TEST_BROWSER not set")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html><html><body>
<div class="item" id="a">alpha</div>
<x-host><template shadowrootmode="closed"><div class="item" id="b">beta</div></template></x-host>
<iframe name="child" srcdoc="<button id='cb'>child</button>"></iframe>
</body></html>`)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m, err := NewManager(ctx, zaptest.NewLogger(t), testConfig())
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	s, err := m.NewSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Sessions())
	require.NoError(t, s.Navigate(ctx, server.URL))

	main := s.MainFrame()
	n, err := main.Count(ctx, ".item", frames.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h, err := main.WaitForSelector(ctx, "iframe >> internal:control=enter-frame >> #cb", frames.WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "button#cb", h.Preview())

	require.NoError(t, s.Close(ctx))
	assert.Zero(t, m.Sessions())
}
