package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/deepquery/internal/frames"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

const pageHTML = `<!DOCTYPE html>
<html>
<head><title>CLI</title></head>
<body>
  <div id="a" class="item">alpha</div>
  <x-host id="host"><template shadowrootmode="closed"><div id="b" class="item">beta</div></template></x-host>
  <div id="c" class="item" style="display:none">gamma</div>
  <iframe id="child" name="child" srcdoc="<button id='cb'>child</button>"></iframe>
</body>
</html>`

func writePage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(pageHTML), 0o600))
	return path
}

// run executes the CLI with args against a fresh command tree and returns
// what it wrote to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func TestResolveCommand(t *testing.T) {
	page := writePage(t)

	t.Run("DocumentOrder", func(t *testing.T) {
		out, err := run(t, "resolve", "--html", page, ".item")
		require.NoError(t, err)
		got := lines(out)
		require.Len(t, got, 3)
		assert.True(t, strings.HasPrefix(got[0], "div#a.item\t"))
		assert.True(t, strings.HasPrefix(got[1], "div#b.item\t"))
		assert.True(t, strings.HasPrefix(got[2], "div#c.item\t"))
		assert.Contains(t, got[0], "backend=")
		assert.Contains(t, got[0], "position=/")
	})

	t.Run("First", func(t *testing.T) {
		out, err := run(t, "resolve", "--html", page, "--first", ".item")
		require.NoError(t, err)
		require.Len(t, lines(out), 1)
		assert.True(t, strings.HasPrefix(out, "div#a.item\t"))
	})

	t.Run("Strict", func(t *testing.T) {
		_, err := run(t, "resolve", "--html", page, "--strict", ".item")
		var violation *selector.StrictModeViolationError
		require.ErrorAs(t, err, &violation)
		assert.Len(t, violation.Matches, 3)
	})

	t.Run("AcrossFrames", func(t *testing.T) {
		out, err := run(t, "resolve", "--html", page, "--wait", "iframe >> internal:control=enter-frame >> #cb")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "button#cb\t"))
	})

	t.Run("WaitListsEveryMatch", func(t *testing.T) {
		out, err := run(t, "resolve", "--html", page, "--wait", ".item")
		require.NoError(t, err)
		got := lines(out)
		require.Len(t, got, 3)
		assert.True(t, strings.HasPrefix(got[0], "div#a.item\t"))
		assert.True(t, strings.HasPrefix(got[2], "div#c.item\t"))
	})

	t.Run("WaitFirst", func(t *testing.T) {
		out, err := run(t, "resolve", "--html", page, "--wait", "--first", ".item")
		require.NoError(t, err)
		require.Len(t, lines(out), 1)
		assert.True(t, strings.HasPrefix(out, "div#a.item\t"))
	})

	t.Run("NoMatch", func(t *testing.T) {
		out, err := run(t, "resolve", "--html", page, "#missing")
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := run(t, "resolve", "--html", filepath.Join(t.TempDir(), "none.html"), "#a")
		assert.Error(t, err)
	})
}

func TestCountCommand(t *testing.T) {
	page := writePage(t)

	out, err := run(t, "count", "--html", page, ".item")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	// Strict has no effect on counting.
	out, err = run(t, "count", "--html", page, "--strict", ".item")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestWaitCommand(t *testing.T) {
	page := writePage(t)

	out, err := run(t, "wait", "--html", page, "#b")
	require.NoError(t, err)
	assert.Equal(t, "div#b.item\n", out)

	out, err = run(t, "wait", "--html", page, "--state", "hidden", "#c")
	require.NoError(t, err)
	assert.Equal(t, "hidden\n", out)

	out, err = run(t, "wait", "--html", page, "--state", "detached", "#missing")
	require.NoError(t, err)
	assert.Equal(t, "detached\n", out)

	_, err = run(t, "wait", "--html", page, "--state", "stable", "#a")
	assert.ErrorIs(t, err, frames.ErrUnsupportedOption)

	_, err = run(t, "wait", "--html", page, "--timeout", "150ms", "#missing")
	var timeout *frames.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Contains(t, err.Error(), "Call log")
}

func TestEvalCommand(t *testing.T) {
	page := writePage(t)

	out, err := run(t, "eval", "--html", page, "#b", "(el, suffix) => el.id + suffix", `"!"`)
	require.NoError(t, err)
	assert.Equal(t, "\"b!\"\n", out)

	out, err = run(t, "eval", "--html", page, "--all", ".item", "(els) => els.map(e => e.id)")
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b","c"]`, strings.TrimSpace(out))

	_, err = run(t, "eval", "--html", page, "#a", "(el, x) => x", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument 1 is not valid JSON")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "deepquery "+Version+"\n", out)
}
