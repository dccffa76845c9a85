package frames

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deepquery/internal/config"
	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// ContextCreated is emitted whenever the manager fabricates an execution
// world, so other subsystems see the same set of contexts the engine uses.
type ContextCreated struct {
	FrameID   cdp.FrameID
	World     dom.WorldKind
	ContextID runtime.ExecutionContextID
}

// Manager owns the frame tree of one page.
type Manager struct {
	client protocol.Client
	logger *zap.Logger
	cfg    config.SelectorsConfig

	resolver *dom.Resolver
	// light sees only what in-page DOM APIs see. Frame owners are looked up
	// with it first.
	light *dom.Resolver

	mu        sync.RWMutex
	mainID    cdp.FrameID
	frames    map[cdp.FrameID]*Frame
	sessions  map[cdp.FrameID]protocol.Client
	listeners []func(ContextCreated)
}

// NewManager creates a manager for the page served by client. Call
// LoadFrameTree before use.
func NewManager(client protocol.Client, logger *zap.Logger, cfg config.SelectorsConfig) *Manager {
	logger = logger.Named("frames")
	light := dom.NewResolver(logger)
	light.PierceClosedShadow = false
	m := &Manager{
		client:   client,
		logger:   logger,
		cfg:      cfg,
		resolver: dom.NewResolver(logger),
		light:    light,
		frames:   make(map[cdp.FrameID]*Frame),
		sessions: make(map[cdp.FrameID]protocol.Client),
	}

	diagnostics := logger.Named("contexts")
	m.OnContextCreated(func(ev ContextCreated) {
		diagnostics.Debug("Execution context created",
			zap.String("frame_id", string(ev.FrameID)),
			zap.Stringer("world", ev.World),
			zap.Int64("context_id", int64(ev.ContextID)),
		)
	})
	return m
}

// Config returns the engine settings the manager was built with.
func (m *Manager) Config() config.SelectorsConfig { return m.cfg }

// LoadFrameTree registers every frame the page currently has.
func (m *Manager) LoadFrameTree(ctx context.Context) error {
	tree, err := m.client.GetFrameTree(ctx)
	if err != nil {
		return fmt.Errorf("failed to load frame tree: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mainID = tree.Frame.ID
	m.loadTree(tree)
	return nil
}

func (m *Manager) loadTree(tree *page.FrameTree) {
	f, ok := m.frames[tree.Frame.ID]
	if !ok {
		f = newFrame(m, tree.Frame.ID, tree.Frame.ParentID)
		m.frames[f.id] = f
	}
	f.update(tree.Frame.Name, tree.Frame.URL)
	for _, child := range tree.ChildFrames {
		m.loadTree(child)
	}
}

// MainFrame returns the root frame, or nil before LoadFrameTree.
func (m *Manager) MainFrame() *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames[m.mainID]
}

// Frame looks up a live frame by id.
func (m *Manager) Frame(id cdp.FrameID) (*Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.frames[id]
	return f, ok
}

// Frames returns every live frame.
func (m *Manager) Frames() []*Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, f)
	}
	return out
}

// Attach routes frameID and its descendants to client, e.g. for an
// out-of-process iframe with its own protocol session.
func (m *Manager) Attach(frameID cdp.FrameID, client protocol.Client) {
	m.mu.Lock()
	m.sessions[frameID] = client
	m.mu.Unlock()
	if f, ok := m.Frame(frameID); ok {
		f.InvalidateWorlds()
	}
}

// SessionFor returns the client owning the frame: the nearest attached
// session up the tree, else the page's own.
func (m *Manager) SessionFor(frameID cdp.FrameID) protocol.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := frameID; id != ""; {
		if c, ok := m.sessions[id]; ok {
			return c
		}
		f, ok := m.frames[id]
		if !ok {
			break
		}
		f.mu.RLock()
		id = f.parentID
		f.mu.RUnlock()
	}
	return m.client
}

// OnContextCreated registers fn for every world the manager creates.
func (m *Manager) OnContextCreated(fn func(ContextCreated)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) contextCreated(ev ContextCreated) {
	m.mu.RLock()
	listeners := append([]func(ContextCreated){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// -- Event handling --

// HandleEvent applies one protocol event to the frame tree. It never blocks,
// so it can be called straight from a target listener.
func (m *Manager) HandleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameAttached:
		m.onFrameAttached(e.FrameID, e.ParentFrameID)
	case *page.EventFrameNavigated:
		m.onFrameNavigated(e.Frame)
	case *page.EventFrameDetached:
		m.onFrameDetached(e.FrameID, e.Reason)
	case *page.EventLifecycleEvent:
		if e.Name == "init" {
			if f, ok := m.Frame(e.FrameID); ok {
				f.InvalidateWorlds()
			}
		}
	case *runtime.EventExecutionContextsCleared:
		for _, f := range m.Frames() {
			f.InvalidateWorlds()
		}
	}
}

func (m *Manager) onFrameAttached(id, parentID cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.frames[id]; ok {
		return
	}
	m.frames[id] = newFrame(m, id, parentID)
	m.logger.Debug("Frame attached", zap.String("frame_id", string(id)), zap.String("parent_id", string(parentID)))
}

func (m *Manager) onFrameNavigated(fr *cdp.Frame) {
	m.mu.Lock()
	f, ok := m.frames[fr.ID]
	if !ok {
		f = newFrame(m, fr.ID, fr.ParentID)
		m.frames[fr.ID] = f
	}
	if fr.ParentID == "" && m.mainID != fr.ID {
		// The root frame was swapped for a new one, e.g. a cross-process navigation.
		if old, ok := m.frames[m.mainID]; ok && old != f {
			delete(m.frames, m.mainID)
			old.setDetached()
		}
		m.mainID = fr.ID
	}
	m.mu.Unlock()

	f.update(fr.Name, fr.URL)
	f.InvalidateWorlds()
	m.logger.Debug("Frame navigated", zap.String("frame_id", string(fr.ID)), zap.String("url", fr.URL))
}

func (m *Manager) onFrameDetached(id cdp.FrameID, reason page.FrameDetachedReason) {
	if reason == page.FrameDetachedReasonSwap {
		// The frame moves to another process and keeps existing.
		if f, ok := m.Frame(id); ok {
			f.InvalidateWorlds()
		}
		return
	}

	m.mu.Lock()
	detached := m.removeSubtree(id)
	m.mu.Unlock()
	for _, f := range detached {
		f.setDetached()
		m.logger.Debug("Frame detached", zap.String("frame_id", string(f.id)))
	}
}

// removeSubtree unregisters id and every frame below it. m.mu must be held.
func (m *Manager) removeSubtree(id cdp.FrameID) []*Frame {
	f, ok := m.frames[id]
	if !ok {
		return nil
	}
	delete(m.frames, id)
	delete(m.sessions, id)
	out := []*Frame{f}
	for childID, c := range m.frames {
		c.mu.RLock()
		isChild := c.parentID == id
		c.mu.RUnlock()
		if isChild {
			out = append(out, m.removeSubtree(childID)...)
		}
	}
	return out
}
