// Package dom holds the element model the resolution engine works with:
// execution worlds, element handles, their document-order positions, and the
// Resolver that narrows a selector down to handles through out-of-band
// protocol calls.
package dom

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// WorldKind identifies one of the execution worlds a frame can have.
type WorldKind int

const (
	// MainWorld is the page's own context in the root frame.
	MainWorld WorldKind = iota
	// UtilityWorld is an isolated world that shares no globals with the page.
	UtilityWorld
	// RelayedMainWorld is a child frame's main world, reached through the
	// frame owner's content document in the parent frame.
	RelayedMainWorld
)

func (k WorldKind) String() string {
	switch k {
	case MainWorld:
		return "main"
	case UtilityWorld:
		return "utility"
	case RelayedMainWorld:
		return "relayed-main"
	default:
		return fmt.Sprintf("world(%d)", int(k))
	}
}

// ExecutionContext is one world of one frame.
type ExecutionContext struct {
	id      runtime.ExecutionContextID
	kind    WorldKind
	frameID cdp.FrameID
	client  protocol.Client
}

// NewExecutionContext wraps a remote context id.
func NewExecutionContext(client protocol.Client, frameID cdp.FrameID, kind WorldKind, id runtime.ExecutionContextID) *ExecutionContext {
	return &ExecutionContext{id: id, kind: kind, frameID: frameID, client: client}
}

func (c *ExecutionContext) ID() runtime.ExecutionContextID { return c.id }
func (c *ExecutionContext) Kind() WorldKind                { return c.kind }
func (c *ExecutionContext) FrameID() cdp.FrameID           { return c.frameID }
func (c *ExecutionContext) Client() protocol.Client        { return c.client }

func (c *ExecutionContext) String() string {
	return fmt.Sprintf("%s world %d of frame %s", c.kind, c.id, c.frameID)
}

// Document evaluates `document` in this world and returns it as the root
// scope of a resolution. Its position is the empty path.
func (c *ExecutionContext) Document(ctx context.Context) (*ElementHandle, error) {
	obj, err := c.client.Evaluate(ctx, "document", c.id)
	if err != nil {
		return nil, fmt.Errorf("evaluate document in %s: %w", c, err)
	}
	if obj.ObjectID == "" {
		return nil, fmt.Errorf("evaluate document in %s: no object reference returned", c)
	}
	node, err := c.client.DescribeNode(ctx, protocol.NodeQuery{ObjectID: obj.ObjectID}, 0, false)
	if err != nil {
		return nil, fmt.Errorf("describe document in %s: %w", c, err)
	}
	h := newHandle(c, obj.ObjectID, node)
	h.position, h.positioned = Position{}, true
	h.parent = ContextScope(c)
	return h, nil
}

// Adopt resolves a backend node into this world.
func (c *ExecutionContext) Adopt(ctx context.Context, backendID cdp.BackendNodeID) (*ElementHandle, error) {
	obj, err := c.client.ResolveNode(ctx, protocol.NodeQuery{BackendNodeID: backendID}, c.id)
	if err != nil {
		return nil, err
	}
	node, err := c.client.DescribeNode(ctx, protocol.NodeQuery{ObjectID: obj.ObjectID}, 0, false)
	if err != nil {
		return nil, err
	}
	return newHandle(c, obj.ObjectID, node), nil
}

// Evaluate calls fn inside the world without a receiver. Element handles
// among args are passed by reference and must belong to this world.
func (c *ExecutionContext) Evaluate(ctx context.Context, fn string, args ...any) (jsontext.Value, error) {
	wire, err := c.wireArgs(args)
	if err != nil {
		return nil, err
	}
	raw, err := c.client.CallFunctionOn(ctx, protocol.CallTarget{ContextID: c.id}, fn, wire...)
	return raw, classify(err)
}

func (c *ExecutionContext) wireArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		h, ok := a.(*ElementHandle)
		if !ok {
			out[i] = a
			continue
		}
		if h.ec.id != c.id {
			return nil, fmt.Errorf("%w: argument %d belongs to %s, not %s", ErrWrongContext, i, h.ec, c)
		}
		out[i] = h.objectID
	}
	return out, nil
}
