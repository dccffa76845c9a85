package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/xkilldash9x/deepquery/internal/browser"
	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/frames"
	"github.com/xkilldash9x/deepquery/internal/observability"
	"github.com/xkilldash9x/deepquery/internal/protocol/offline"
)

// openFrame returns the main frame of the page the flags point at and a
// function that releases it. --html wins over any browser setting.
func openFrame(ctx context.Context, opts *rootOptions) (*frames.Frame, func(), error) {
	cfg := config.Get()
	logger := observability.GetLogger()

	if opts.html != "" {
		src, err := os.ReadFile(opts.html)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", opts.html, err)
		}
		p, err := offline.NewPage(string(src), logger)
		if err != nil {
			return nil, nil, err
		}
		m := frames.NewManager(p, logger, cfg.Selectors)
		p.Listen(m.HandleEvent)
		if err := m.LoadFrameTree(ctx); err != nil {
			return nil, nil, err
		}
		return m.MainFrame(), func() {}, nil
	}

	bcfg := *cfg
	if opts.remote != "" {
		bcfg.Browser.RemoteURL = opts.remote
	}
	bm, err := browser.NewManager(ctx, logger, &bcfg)
	if err != nil {
		return nil, nil, err
	}
	release := func() { _ = bm.Shutdown(context.WithoutCancel(ctx)) }

	s, err := bm.NewSession(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	if opts.url != "" {
		if err := s.Navigate(ctx, opts.url); err != nil {
			release()
			return nil, nil, err
		}
	}
	return s.MainFrame(), release, nil
}

func (o *rootOptions) frameOptions() frames.Options {
	return frames.Options{Strict: o.strict, Timeout: o.timeout}
}
