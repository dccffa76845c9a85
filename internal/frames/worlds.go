package frames

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// worldCache holds the frame's three world slots. All of them are dropped
// together by invalidate; a creation that started before the drop never
// fills a slot afterwards.
type worldCache struct {
	mu         sync.Mutex
	generation uint64
	slots      [3]*dom.ExecutionContext
	creating   singleflight.Group
}

func (w *worldCache) get(kind dom.WorldKind) (*dom.ExecutionContext, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slots[kind], w.generation
}

// store fills the slot unless the cache was invalidated since gen.
func (w *worldCache) store(kind dom.WorldKind, gen uint64, ec *dom.ExecutionContext) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generation != gen {
		return false
	}
	w.slots[kind] = ec
	return true
}

func (w *worldCache) invalidate() {
	w.mu.Lock()
	w.generation++
	w.slots = [3]*dom.ExecutionContext{}
	w.mu.Unlock()
}

// InvalidateWorlds drops every cached world of the frame. The next request
// for a world creates it again.
func (f *Frame) InvalidateWorlds() {
	f.logger.Debug("Invalidating execution worlds")
	f.worlds.invalidate()
}

// World returns the frame's execution context of the given kind, creating it
// on first use. Concurrent first uses share a single creation. A main world
// request on a child frame is served by its relayed main world.
func (f *Frame) World(ctx context.Context, kind dom.WorldKind) (*dom.ExecutionContext, error) {
	if f.IsDetached() {
		return nil, ErrFrameDetached
	}
	switch {
	case kind == dom.MainWorld && !f.IsMain():
		kind = dom.RelayedMainWorld
	case kind == dom.RelayedMainWorld && f.IsMain():
		kind = dom.MainWorld
	}

	ec, gen := f.worlds.get(kind)
	if ec != nil {
		return ec, nil
	}

	timeout := f.manager.cfg.ContextCreateTimeout
	ch := f.worlds.creating.DoChan(fmt.Sprintf("%d/%s", gen, kind), func() (any, error) {
		// The creation outlives any single caller: others may be waiting on it.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		ec, err := f.createWorld(cctx, kind)
		if err != nil {
			return nil, err
		}
		if !f.worlds.store(kind, gen, ec) {
			f.logger.Debug("Discarding world created across an invalidation", zap.Stringer("world", kind))
			return nil, protocol.ErrContextUnavailable
		}
		f.manager.contextCreated(ContextCreated{FrameID: f.id, World: kind, ContextID: ec.ID()})
		return ec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dom.ExecutionContext), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Frame) createWorld(ctx context.Context, kind dom.WorldKind) (*dom.ExecutionContext, error) {
	client := f.Client()
	var (
		id  runtime.ExecutionContextID
		err error
	)
	switch kind {
	case dom.UtilityWorld:
		id, err = client.CreateIsolatedWorld(ctx, f.id, f.manager.cfg.UtilityWorldName)
	case dom.MainWorld:
		id, err = f.mainContextID(ctx, client)
	case dom.RelayedMainWorld:
		id, err = f.relayedContextID(ctx)
	default:
		return nil, fmt.Errorf("unknown world %s", kind)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrFrameDetached) {
			return nil, err
		}
		f.logger.Debug("World creation failed", zap.Stringer("world", kind), zap.Error(err))
		return nil, fmt.Errorf("%w: %s world of frame %s: %v", protocol.ErrContextUnavailable, kind, f.id, err)
	}
	return dom.NewExecutionContext(client, f.id, kind, id), nil
}

// mainContextID evaluates the global object in the frame's default context
// and reads the context id out of the returned reference.
func (f *Frame) mainContextID(ctx context.Context, client protocol.Client) (runtime.ExecutionContextID, error) {
	obj, err := client.Evaluate(ctx, "globalThis", 0)
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.ReleaseObject(context.WithoutCancel(ctx), obj.ObjectID) }()
	return protocol.ContextIDFromObjectID(obj.ObjectID)
}

// relayedContextID reaches a child frame's main world through its owner: the
// owner element lives in the parent document, its content document resolves
// into the child's main world.
func (f *Frame) relayedContextID(ctx context.Context) (runtime.ExecutionContextID, error) {
	parent := f.Parent()
	if parent == nil {
		return 0, ErrFrameDetached
	}
	client := parent.Client()

	ownerID, err := client.GetFrameOwner(ctx, f.id)
	if err != nil {
		return 0, fmt.Errorf("get frame owner: %w", err)
	}
	owner, err := client.DescribeNode(ctx, protocol.NodeQuery{BackendNodeID: ownerID}, 0, true)
	if err != nil {
		return 0, fmt.Errorf("describe frame owner: %w", err)
	}
	if owner.ContentDocument == nil {
		return 0, errors.New("frame owner has no content document")
	}
	obj, err := client.ResolveNode(ctx, protocol.NodeQuery{BackendNodeID: owner.ContentDocument.BackendNodeID}, 0)
	if err != nil {
		return 0, fmt.Errorf("resolve content document: %w", err)
	}
	defer func() { _ = client.ReleaseObject(context.WithoutCancel(ctx), obj.ObjectID) }()
	return protocol.ContextIDFromObjectID(obj.ObjectID)
}
