// Package frames tracks a page's frame tree and resolves selectors inside it.
// Each Frame owns a lazily built cache of execution worlds; the Manager keeps
// frames current from protocol lifecycle events and routes every frame to the
// protocol session that owns it.
package frames

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// Frame is one document in the page's frame tree.
type Frame struct {
	id      cdp.FrameID
	manager *Manager
	logger  *zap.Logger

	mu       sync.RWMutex
	parentID cdp.FrameID
	name     string
	url      string
	detached bool

	worlds worldCache
}

func newFrame(m *Manager, id, parentID cdp.FrameID) *Frame {
	return &Frame{
		id:       id,
		manager:  m,
		parentID: parentID,
		logger:   m.logger.With(zap.String("frame_id", string(id))),
	}
}

func (f *Frame) ID() cdp.FrameID { return f.id }

func (f *Frame) Manager() *Manager { return f.manager }

func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// IsMain reports whether this is the root frame of the page.
func (f *Frame) IsMain() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentID == ""
}

func (f *Frame) IsDetached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detached
}

// Parent returns the parent frame, or nil for the main frame.
func (f *Frame) Parent() *Frame {
	f.mu.RLock()
	parentID := f.parentID
	f.mu.RUnlock()
	if parentID == "" {
		return nil
	}
	parent, _ := f.manager.Frame(parentID)
	return parent
}

// Children returns the frames directly below this one.
func (f *Frame) Children() []*Frame {
	var out []*Frame
	for _, c := range f.manager.Frames() {
		c.mu.RLock()
		isChild := c.parentID == f.id
		c.mu.RUnlock()
		if isChild {
			out = append(out, c)
		}
	}
	return out
}

// Client returns the protocol session serving this frame.
func (f *Frame) Client() protocol.Client {
	return f.manager.SessionFor(f.id)
}

func (f *Frame) update(name, url string) {
	f.mu.Lock()
	f.name, f.url = name, url
	f.mu.Unlock()
}

func (f *Frame) setDetached() {
	f.mu.Lock()
	f.detached = true
	f.mu.Unlock()
	f.worlds.invalidate()
}

// Document returns the frame's document in the given world, or nil when the
// world cannot be reached right now.
func (f *Frame) Document(ctx context.Context, kind dom.WorldKind) (*dom.ElementHandle, error) {
	ec, err := f.World(ctx, kind)
	if err != nil {
		return nil, err
	}
	doc, ok, err := protocol.MayFail(ctx, f.logger, "evaluate document", ec.Document)
	if err != nil || !ok {
		return nil, err
	}
	return doc, nil
}
