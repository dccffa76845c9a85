package dom

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// ElementHandle is a reference to a remote DOM node. It is only valid for
// the protocol session that produced it and must be disposed explicitly.
type ElementHandle struct {
	ec         *ExecutionContext
	objectID   runtime.RemoteObjectID
	backendID  cdp.BackendNodeID
	position   Position
	positioned bool
	parent     Scope
	preview    string
	// contentFrame is set when the node owns a child frame.
	contentFrame cdp.FrameID
}

func newHandle(ec *ExecutionContext, id runtime.RemoteObjectID, node *cdp.Node) *ElementHandle {
	h := &ElementHandle{ec: ec, objectID: id, parent: ContextScope(ec)}
	if node != nil {
		h.backendID = node.BackendNodeID
		h.preview = Preview(node)
		h.contentFrame = node.FrameID
	}
	return h
}

func (h *ElementHandle) ObjectID() runtime.RemoteObjectID   { return h.objectID }
func (h *ElementHandle) BackendNodeID() cdp.BackendNodeID   { return h.backendID }
func (h *ElementHandle) Context() *ExecutionContext         { return h.ec }
func (h *ElementHandle) Preview() string                    { return h.preview }
func (h *ElementHandle) ContentFrameID() cdp.FrameID        { return h.contentFrame }
func (h *ElementHandle) Position() (Position, bool)         { return h.position, h.positioned }
func (h *ElementHandle) Parent() Scope                      { return h.parent }
func (h *ElementHandle) String() string                     { return h.preview }

// Evaluate calls fn with the element bound to `this`. Element handle
// arguments must come from the same world.
func (h *ElementHandle) Evaluate(ctx context.Context, fn string, args ...any) (jsontext.Value, error) {
	wire, err := h.ec.wireArgs(args)
	if err != nil {
		return nil, err
	}
	raw, err := h.ec.client.CallFunctionOn(ctx, protocol.CallTarget{ObjectID: h.objectID}, fn, wire...)
	return raw, classify(err)
}

// State checks one of the protocol element states (attached, visible,
// hidden) on the element.
func (h *ElementHandle) State(ctx context.Context, state string) (bool, error) {
	ok, err := h.ec.client.ElementState(ctx, h.objectID, state)
	return ok, classify(err)
}

// Dispose releases the remote object. Releasing an already released or
// stale object is not an error.
func (h *ElementHandle) Dispose(ctx context.Context) error {
	if h == nil || h.objectID == "" {
		return nil
	}
	err := h.ec.client.ReleaseObject(ctx, h.objectID)
	if err != nil && protocol.IsTransient(err) {
		return nil
	}
	return err
}

// DisposeAll releases every handle, ignoring individual failures.
func DisposeAll(ctx context.Context, handles []*ElementHandle) {
	for _, h := range handles {
		_ = h.Dispose(ctx)
	}
}

// -- Scope --

// ScopeKind tags what a Scope wraps.
type ScopeKind int

const (
	ContextScopeKind ScopeKind = iota
	ElementScopeKind
)

// Scope is where a handle came from: either a bare execution context or the
// element (document, sub-scope, shadow root) that was queried. Both can run
// code, so callers evaluate through the scope without caring which it is.
type Scope struct {
	kind    ScopeKind
	context *ExecutionContext
	element *ElementHandle
}

func ContextScope(ec *ExecutionContext) Scope { return Scope{kind: ContextScopeKind, context: ec} }
func ElementScope(h *ElementHandle) Scope     { return Scope{kind: ElementScopeKind, element: h} }

func (s Scope) Kind() ScopeKind { return s.kind }

// Element returns the wrapped element, or nil for a context scope.
func (s Scope) Element() *ElementHandle { return s.element }

// Context returns the world the scope evaluates in.
func (s Scope) Context() *ExecutionContext {
	if s.kind == ElementScopeKind {
		return s.element.ec
	}
	return s.context
}

// Evaluate runs fn in the scope's world. An element scope binds itself as
// `this`.
func (s Scope) Evaluate(ctx context.Context, fn string, args ...any) (jsontext.Value, error) {
	switch s.kind {
	case ElementScopeKind:
		return s.element.Evaluate(ctx, fn, args...)
	case ContextScopeKind:
		if s.context == nil {
			return nil, protocol.ErrContextUnavailable
		}
		return s.context.Evaluate(ctx, fn, args...)
	default:
		return nil, fmt.Errorf("unknown scope kind %d", s.kind)
	}
}

// -- Previews --

// Preview renders a described node the way logs and errors show it, e.g.
// `div#main.card.wide`.
func Preview(n *cdp.Node) string {
	switch n.NodeType {
	case cdp.NodeTypeDocument:
		return "#document"
	case cdp.NodeTypeDocumentFragment:
		if n.ShadowRootType != "" {
			return "#shadow-root (" + string(n.ShadowRootType) + ")"
		}
		return "#document-fragment"
	case cdp.NodeTypeText:
		return "#text"
	}
	name := n.LocalName
	if name == "" {
		name = strings.ToLower(n.NodeName)
	}
	var b strings.Builder
	b.WriteString(name)
	if id := n.AttributeValue("id"); id != "" {
		b.WriteString("#" + id)
	}
	for _, c := range strings.Fields(n.AttributeValue("class")) {
		b.WriteString("." + c)
	}
	return b.String()
}
