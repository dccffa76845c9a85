package frames

import (
	"context"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/protocol/offline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const framesHTML = `<!DOCTYPE html>
<html>
<head><title>Frames</title></head>
<body>
  <div id="a" class="item">alpha</div>
  <x-host id="host"><template shadowrootmode="closed"><div id="b" class="item">beta</div><iframe id="inner" name="inner" srcdoc="<button id='ib'>inner</button>"></iframe></template></x-host>
  <div id="c" class="item" style="display:none">gamma</div>
  <iframe id="child" name="child" srcdoc="<button id='cb'>child</button><p id='cp'>text</p>"></iframe>
</body>
</html>`

// newOfflineManager loads src into an offline page and wires a manager to
// it the way a live session is wired.
func newOfflineManager(t *testing.T, src string, mutate ...func(*config.SelectorsConfig)) (*offline.Page, *Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	p, err := offline.NewPage(src, logger)
	require.NoError(t, err)

	cfg := config.DefaultSelectorsConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	m := NewManager(p, logger, cfg)
	p.Listen(m.HandleEvent)
	require.NoError(t, m.LoadFrameTree(context.Background()))
	return p, m
}

func frameNamed(t *testing.T, p *offline.Page, m *Manager, name string) *Frame {
	t.Helper()
	id, ok := p.FrameByName(name)
	require.True(t, ok, "no frame named %q", name)
	f, ok := m.Frame(id)
	require.True(t, ok, "frame %q not tracked", name)
	return f
}

func idOf(t *testing.T, h *dom.ElementHandle) string {
	t.Helper()
	require.NotNil(t, h)
	raw, err := h.Evaluate(context.Background(), "function () { return this.id; }")
	require.NoError(t, err)
	var id string
	require.NoError(t, json.Unmarshal(raw, &id))
	return id
}

func idsOf(t *testing.T, handles []*dom.ElementHandle) []string {
	t.Helper()
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		out = append(out, idOf(t, h))
	}
	return out
}
