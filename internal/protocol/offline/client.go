package offline

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// begin counts the call, waits out the latency and takes the lock. The
// returned function releases it.
func (p *Page) begin(ctx context.Context, method string) (func(), error) {
	if err := p.roundTrip(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls[method]++
	return p.mu.Unlock, nil
}

func fail(method, msg string) error {
	return &protocol.Error{Method: method, Message: msg}
}

func (p *Page) lookup(method string, q protocol.NodeQuery) (*node, error) {
	switch {
	case q.ObjectID != "":
		obj, ok := p.objects[q.ObjectID]
		if !ok {
			return nil, fail(method, "Could not find object with given id")
		}
		if obj.node == nil {
			return nil, fail(method, "Object id doesn't reference a Node")
		}
		return obj.node, nil
	case q.BackendNodeID != 0:
		if n, ok := p.nodes[q.BackendNodeID]; ok {
			return n, nil
		}
	case q.NodeID != 0:
		if n, ok := p.nodes[cdp.BackendNodeID(q.NodeID)]; ok {
			return n, nil
		}
	}
	return nil, fail(method, "No node with given id found")
}

func (p *Page) remote(ctxID runtime.ExecutionContextID, n *node) *runtime.RemoteObject {
	p.objSeq++
	id := runtime.RemoteObjectID(fmt.Sprintf("%s.%d.%d", p.tag, ctxID, p.objSeq))
	p.objects[id] = &object{id: id, ctx: ctxID, node: n}
	return &runtime.RemoteObject{
		Type:        runtime.TypeObject,
		Subtype:     runtime.SubtypeNode,
		ClassName:   className(n),
		Description: preview(n),
		ObjectID:    id,
	}
}

func (p *Page) remoteGlobal(ctxID runtime.ExecutionContextID) *runtime.RemoteObject {
	p.objSeq++
	id := runtime.RemoteObjectID(fmt.Sprintf("%s.%d.%d", p.tag, ctxID, p.objSeq))
	p.objects[id] = &object{id: id, ctx: ctxID, global: true}
	return &runtime.RemoteObject{Type: runtime.TypeObject, ClassName: "Window", Description: "Window", ObjectID: id}
}

func (p *Page) DescribeNode(ctx context.Context, q protocol.NodeQuery, depth int64, pierce bool) (*cdp.Node, error) {
	done, err := p.begin(ctx, dom.CommandDescribeNode)
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := p.lookup(dom.CommandDescribeNode, q)
	if err != nil {
		return nil, err
	}
	return p.describe(n, depth, pierce), nil
}

func (p *Page) describe(n *node, depth int64, pierce bool) *cdp.Node {
	out := &cdp.Node{
		NodeID:         cdp.NodeID(n.backendID),
		BackendNodeID:  n.backendID,
		ChildNodeCount: int64(len(n.children)),
	}
	switch n.kind {
	case kindDocument:
		out.NodeType = cdp.NodeTypeDocument
		out.NodeName = "#document"
		out.DocumentURL = n.frame.url
	case kindShadowRoot:
		out.NodeType = cdp.NodeTypeDocumentFragment
		out.NodeName = "#document-fragment"
		out.ShadowRootType = n.parent.shadowMode
	case kindText:
		out.NodeType = cdp.NodeTypeText
		out.NodeName = "#text"
		out.NodeValue = n.h.Data
	default:
		out.NodeType = cdp.NodeTypeElement
		out.NodeName = strings.ToUpper(n.h.Data)
		out.LocalName = n.h.Data
		for _, a := range n.h.Attr {
			out.Attributes = append(out.Attributes, a.Key, a.Val)
		}
	}

	next := depth - 1
	if depth < 0 {
		next = -1
	}
	expand := depth != 0

	if n.shadow != nil {
		sr := &cdp.Node{
			NodeID:         cdp.NodeID(n.shadow.backendID),
			BackendNodeID:  n.shadow.backendID,
			NodeType:       cdp.NodeTypeDocumentFragment,
			NodeName:       "#document-fragment",
			ShadowRootType: n.shadowMode,
			ChildNodeCount: int64(len(n.shadow.children)),
		}
		if pierce && expand {
			sr = p.describe(n.shadow, next, pierce)
		}
		out.ShadowRoots = []*cdp.Node{sr}
	}
	if n.content != nil {
		out.FrameID = n.content.id
		if doc := n.content.doc; doc != nil {
			if pierce && expand {
				out.ContentDocument = p.describe(doc, next, pierce)
			} else {
				out.ContentDocument = p.describe(doc, 0, false)
			}
		}
	}
	if expand {
		for _, c := range n.children {
			out.Children = append(out.Children, p.describe(c, next, pierce))
		}
	}
	return out
}

func (p *Page) ResolveNode(ctx context.Context, q protocol.NodeQuery, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	done, err := p.begin(ctx, dom.CommandResolveNode)
	if err != nil {
		return nil, err
	}
	defer done()

	n, err := p.lookup(dom.CommandResolveNode, q)
	if err != nil {
		return nil, err
	}
	if contextID == 0 {
		return p.remote(n.frame.mainCtx, n), nil
	}
	ec, ok := p.contexts[contextID]
	if !ok {
		return nil, fail(dom.CommandResolveNode, "Cannot find context with specified id")
	}
	if ec.frame != n.frame {
		return nil, fail(dom.CommandResolveNode, "Node with given id does not belong to the document")
	}
	return p.remote(contextID, n), nil
}

func (p *Page) context(method string, id runtime.ExecutionContextID) (*execContext, error) {
	if id == 0 {
		return p.contexts[p.mainFrame.mainCtx], nil
	}
	ec, ok := p.contexts[id]
	if !ok {
		return nil, fail(method, "Cannot find context with specified id")
	}
	return ec, nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	done, err := p.begin(ctx, runtime.CommandEvaluate)
	if err != nil {
		return nil, err
	}
	defer done()

	ec, err := p.context(runtime.CommandEvaluate, contextID)
	if err != nil {
		return nil, err
	}
	switch strings.TrimSpace(expression) {
	case "globalThis", "window", "self":
		return p.remoteGlobal(ec.id), nil
	case "document":
		return p.remote(ec.id, ec.frame.doc), nil
	}

	res, err := p.runScript(ec, "", "function () { return ("+expression+"); }", nil)
	if err != nil {
		return nil, fail(runtime.CommandEvaluate, err.Error())
	}
	if res.node != nil {
		return p.remote(ec.id, res.node), nil
	}
	return &runtime.RemoteObject{Type: res.kind, Value: res.value}, nil
}

func (p *Page) CallFunctionOn(ctx context.Context, target protocol.CallTarget, fn string, args ...any) (jsontext.Value, error) {
	done, err := p.begin(ctx, runtime.CommandCallFunctionOn)
	if err != nil {
		return nil, err
	}
	defer done()

	var ec *execContext
	if target.ObjectID != "" {
		obj, ok := p.objects[target.ObjectID]
		if !ok {
			return nil, fail(runtime.CommandCallFunctionOn, "Could not find object with given id")
		}
		if ec, ok = p.contexts[obj.ctx]; !ok {
			return nil, fail(runtime.CommandCallFunctionOn, "Cannot find context with specified id")
		}
	} else if ec, err = p.context(runtime.CommandCallFunctionOn, target.ContextID); err != nil {
		return nil, err
	}

	for _, a := range args {
		if id, ok := a.(runtime.RemoteObjectID); ok {
			obj, found := p.objects[id]
			if !found {
				return nil, fail(runtime.CommandCallFunctionOn, "Could not find object with given id")
			}
			if obj.ctx != ec.id {
				return nil, fail(runtime.CommandCallFunctionOn, "JSHandles can be evaluated only in the context they were created!")
			}
		}
	}

	res, err := p.runScript(ec, target.ObjectID, fn, args)
	if err != nil {
		return nil, fail(runtime.CommandCallFunctionOn, err.Error())
	}
	return res.value, nil
}

func (p *Page) QueryAll(ctx context.Context, scope runtime.RemoteObjectID, engine, body string) ([]runtime.RemoteObjectID, error) {
	done, err := p.begin(ctx, runtime.CommandCallFunctionOn)
	if err != nil {
		return nil, err
	}
	defer done()

	obj, ok := p.objects[scope]
	if !ok {
		return nil, fail(runtime.CommandCallFunctionOn, "Could not find object with given id")
	}
	if obj.node == nil {
		return nil, fail(runtime.CommandCallFunctionOn, "query scope is not a node")
	}
	if _, ok := p.contexts[obj.ctx]; !ok {
		return nil, fail(runtime.CommandCallFunctionOn, "Cannot find context with specified id")
	}
	matches, err := p.query(obj.node, engine, body)
	if err != nil {
		return nil, fail(runtime.CommandCallFunctionOn, err.Error())
	}
	ids := make([]runtime.RemoteObjectID, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, p.remote(obj.ctx, m).ObjectID)
	}
	return ids, nil
}

func (p *Page) ElementState(ctx context.Context, id runtime.RemoteObjectID, state string) (bool, error) {
	done, err := p.begin(ctx, runtime.CommandCallFunctionOn)
	if err != nil {
		return false, err
	}
	defer done()

	obj, ok := p.objects[id]
	if !ok {
		return false, fail(runtime.CommandCallFunctionOn, "Could not find object with given id")
	}
	if obj.node == nil {
		return false, fail(runtime.CommandCallFunctionOn, "state target is not a node")
	}
	switch state {
	case protocol.StateAttached:
		return !obj.node.detached, nil
	case protocol.StateVisible:
		return p.visible(obj.node), nil
	case protocol.StateHidden:
		return !p.visible(obj.node), nil
	default:
		return false, fail(runtime.CommandCallFunctionOn, "unsupported state "+state)
	}
}

func (p *Page) CreateIsolatedWorld(ctx context.Context, frameID cdp.FrameID, name string) (runtime.ExecutionContextID, error) {
	done, err := p.begin(ctx, page.CommandCreateIsolatedWorld)
	if err != nil {
		return 0, err
	}
	defer done()

	f, ok := p.frames[frameID]
	if !ok {
		return 0, fail(page.CommandCreateIsolatedWorld, "No frame for given id found")
	}
	return p.newContext(f, name, true), nil
}

func (p *Page) GetFrameOwner(ctx context.Context, frameID cdp.FrameID) (cdp.BackendNodeID, error) {
	done, err := p.begin(ctx, dom.CommandGetFrameOwner)
	if err != nil {
		return 0, err
	}
	defer done()

	f, ok := p.frames[frameID]
	if !ok {
		return 0, fail(dom.CommandGetFrameOwner, "Frame with the given id was not found.")
	}
	if f.owner == nil {
		return 0, fail(dom.CommandGetFrameOwner, "Frame with the given id does not belong to the target.")
	}
	return f.owner.backendID, nil
}

// SetDocumentContent replaces the document in place. Execution contexts
// survive, existing handles become detached.
func (p *Page) SetDocumentContent(ctx context.Context, frameID cdp.FrameID, src string) error {
	done, err := p.begin(ctx, page.CommandSetDocumentContent)
	if err != nil {
		return err
	}
	f, ok := p.frames[frameID]
	if !ok {
		done()
		return fail(page.CommandSetDocumentContent, "No frame for given id found")
	}
	events := p.replaceDocument(f)
	err = p.build(f, src, &events)
	listeners := p.listeners
	done()
	emit(listeners, events)
	return err
}

func (p *Page) GetFrameTree(ctx context.Context) (*page.FrameTree, error) {
	done, err := p.begin(ctx, page.CommandGetFrameTree)
	if err != nil {
		return nil, err
	}
	defer done()
	return p.frameTree(p.mainFrame), nil
}

func (p *Page) ReleaseObject(ctx context.Context, id runtime.RemoteObjectID) error {
	done, err := p.begin(ctx, runtime.CommandReleaseObject)
	if err != nil {
		return err
	}
	defer done()
	delete(p.objects, id)
	return nil
}

func className(n *node) string {
	switch n.kind {
	case kindDocument:
		return "HTMLDocument"
	case kindShadowRoot:
		return "ShadowRoot"
	case kindText:
		return "Text"
	default:
		return "HTMLElement"
	}
}

func preview(n *node) string {
	switch n.kind {
	case kindDocument:
		return "#document"
	case kindShadowRoot:
		return "#shadow-root (" + string(n.parent.shadowMode) + ")"
	case kindText:
		return "#text"
	}
	var b strings.Builder
	b.WriteString(n.h.Data)
	if id := getAttr(n.h, "id"); id != "" {
		b.WriteString("#" + id)
	}
	for _, c := range strings.Fields(getAttr(n.h, "class")) {
		b.WriteString("." + c)
	}
	return b.String()
}
