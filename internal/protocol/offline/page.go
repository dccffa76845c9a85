// Package offline implements protocol.Client over a parsed HTML document
// instead of a live browser. Declarative shadow roots become real open or
// closed shadow roots, <iframe srcdoc> elements become child frames with
// their own execution contexts, and every node gets stable backend ids, so
// the resolution engine runs unchanged against it.
package offline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/deepquery/internal/protocol"
)

type nodeKind int

const (
	kindDocument nodeKind = iota
	kindElement
	kindText
	kindShadowRoot
)

type node struct {
	backendID cdp.BackendNodeID
	kind      nodeKind
	h         *html.Node
	frame     *frame
	// parent is the host for shadow roots.
	parent     *node
	children   []*node
	shadow     *node
	shadowMode cdp.ShadowRootType
	content    *frame
	detached   bool
}

type frame struct {
	id      cdp.FrameID
	loader  cdp.LoaderID
	parent  *frame
	owner   *node
	name    string
	url     string
	doc     *node
	mainCtx runtime.ExecutionContextID
}

type execContext struct {
	id       runtime.ExecutionContextID
	frame    *frame
	name     string
	isolated bool
}

type object struct {
	id     runtime.RemoteObjectID
	ctx    runtime.ExecutionContextID
	node   *node
	global bool
}

// Page is an in-memory page with a frame tree. It is safe for concurrent use.
type Page struct {
	logger *zap.Logger
	tag    string

	mu        sync.Mutex
	latency   time.Duration
	seq       int64
	objSeq    int64
	mainFrame *frame
	frames    map[cdp.FrameID]*frame
	nodes     map[cdp.BackendNodeID]*node
	byHTML    map[*html.Node]*node
	objects   map[runtime.RemoteObjectID]*object
	contexts  map[runtime.ExecutionContextID]*execContext
	calls     map[string]int
	listeners []func(ev any)
}

var _ protocol.Client = (*Page)(nil)

// NewPage parses src into the main frame.
func NewPage(src string, logger *zap.Logger) (*Page, error) {
	p := &Page{
		logger:   logger.Named("offline"),
		tag:      uuid.NewString(),
		frames:   make(map[cdp.FrameID]*frame),
		nodes:    make(map[cdp.BackendNodeID]*node),
		byHTML:   make(map[*html.Node]*node),
		objects:  make(map[runtime.RemoteObjectID]*object),
		contexts: make(map[runtime.ExecutionContextID]*execContext),
		calls:    make(map[string]int),
	}
	p.mainFrame = p.newFrame(nil, nil, "", "about:blank")
	if err := p.load(p.mainFrame, src); err != nil {
		return nil, err
	}
	return p, nil
}

// SetLatency delays every protocol call, honoring cancellation while waiting.
func (p *Page) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

// Listen registers fn for the page, lifecycle and runtime events the page
// emits, using the same cdproto event types a live target delivers.
func (p *Page) Listen(fn func(ev any)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Calls returns how often a protocol method was invoked, e.g.
// "Page.createIsolatedWorld".
func (p *Page) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// LiveObjects returns how many remote objects are currently held, i.e.
// handed out and not yet released.
func (p *Page) LiveObjects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

// MainFrameID returns the id of the root frame.
func (p *Page) MainFrameID() cdp.FrameID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainFrame.id
}

// FrameByName finds a frame by its iframe name or id attribute.
func (p *Page) FrameByName(name string) (cdp.FrameID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, f := range p.frames {
		if f.name == name {
			return id, true
		}
	}
	return "", false
}

// Navigate replaces the frame's document and destroys its execution
// contexts, as a real cross-document navigation does.
func (p *Page) Navigate(ctx context.Context, frameID cdp.FrameID, src string) error {
	if err := p.roundTrip(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	f, ok := p.frames[frameID]
	if !ok {
		p.mu.Unlock()
		return &protocol.Error{Method: "Page.navigate", Message: "No frame for given id found"}
	}
	var events []any
	events = append(events, p.replaceDocument(f)...)
	for id, c := range p.contexts {
		if c.frame == f {
			delete(p.contexts, id)
		}
	}
	f.mainCtx = p.newContext(f, "", false)
	f.loader = cdp.LoaderID(fmt.Sprintf("loader-%d", p.next()))
	err := p.build(f, src, &events)
	events = append(events,
		&page.EventLifecycleEvent{FrameID: f.id, LoaderID: f.loader, Name: "init"},
		&page.EventFrameNavigated{Frame: p.cdpFrame(f), Type: page.NavigationTypeNavigation},
	)
	listeners := p.listeners
	p.mu.Unlock()
	emit(listeners, events)
	return err
}

// DetachFrame removes the iframe owning frameID from its parent document.
func (p *Page) DetachFrame(frameID cdp.FrameID) error {
	p.mu.Lock()
	f, ok := p.frames[frameID]
	if !ok || f.owner == nil {
		p.mu.Unlock()
		return fmt.Errorf("frame %s is not a child frame", frameID)
	}
	owner := f.owner
	if owner.h.Parent != nil {
		owner.h.Parent.RemoveChild(owner.h)
	}
	if parent := owner.parent; parent != nil {
		for i, c := range parent.children {
			if c == owner {
				parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
				break
			}
		}
	}
	var events []any
	p.forget(owner, &events)
	listeners := p.listeners
	p.mu.Unlock()
	emit(listeners, events)
	return nil
}

func emit(listeners []func(ev any), events []any) {
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// roundTrip models one protocol exchange: it honors cancellation and the
// configured latency.
func (p *Page) roundTrip(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	d := p.latency
	p.mu.Unlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Page) next() int64 {
	p.seq++
	return p.seq
}

func (p *Page) newFrame(parent *frame, owner *node, name, url string) *frame {
	n := p.next()
	f := &frame{
		id:     cdp.FrameID(fmt.Sprintf("frame-%d", n)),
		loader: cdp.LoaderID(fmt.Sprintf("loader-%d", n)),
		parent: parent,
		owner:  owner,
		name:   name,
		url:    url,
	}
	p.frames[f.id] = f
	f.mainCtx = p.newContext(f, "", false)
	return f
}

func (p *Page) newContext(f *frame, name string, isolated bool) runtime.ExecutionContextID {
	id := runtime.ExecutionContextID(p.next())
	p.contexts[id] = &execContext{id: id, frame: f, name: name, isolated: isolated}
	return id
}

func (p *Page) load(f *frame, src string) error {
	p.mu.Lock()
	var events []any
	err := p.build(f, src, &events)
	p.mu.Unlock()
	return err
}

// build parses src and installs it as f's document. Child frames created on
// the way are reported through events.
func (p *Page) build(f *frame, src string, events *[]any) error {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	f.doc = p.wrap(doc, f, nil, kindDocument, events)
	return nil
}

// wrap assigns ids to h and its subtree, lifting declarative shadow roots
// and loading srcdoc frames.
func (p *Page) wrap(h *html.Node, f *frame, parent *node, kind nodeKind, events *[]any) *node {
	n := &node{
		backendID: cdp.BackendNodeID(p.next()),
		kind:      kind,
		h:         h,
		frame:     f,
		parent:    parent,
	}
	p.nodes[n.backendID] = n
	p.byHTML[h] = n

	if kind == kindElement {
		if root, mode := attachShadowRoot(h); root != nil {
			n.shadow = p.wrap(root, f, n, kindShadowRoot, events)
			n.shadowMode = mode
		}
		switch h.Data {
		case "iframe":
			p.attachFrame(n, events)
			return n
		case "template":
			// Template content is inert and not part of the tree.
			return n
		}
	}

	for c := h.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			n.children = append(n.children, p.wrap(c, f, n, kindElement, events))
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				n.children = append(n.children, p.wrap(c, f, n, kindText, events))
			}
		}
	}
	return n
}

func (p *Page) attachFrame(owner *node, events *[]any) {
	name := getAttr(owner.h, "name")
	if name == "" {
		name = getAttr(owner.h, "id")
	}
	url := "about:blank"
	src, hasDoc := lookupAttr(owner.h, "srcdoc")
	if hasDoc {
		url = "about:srcdoc"
	}
	child := p.newFrame(owner.frame, owner, name, url)
	owner.content = child
	if err := p.build(child, src, events); err != nil {
		p.logger.Warn("Failed to parse srcdoc, leaving frame empty", zap.Error(err))
		_ = p.build(child, "", events)
	}
	*events = append(*events, &page.EventFrameAttached{FrameID: child.id, ParentFrameID: owner.frame.id})
}

// replaceDocument drops f's current document and every frame below it.
func (p *Page) replaceDocument(f *frame) []any {
	var events []any
	if f.doc != nil {
		p.forget(f.doc, &events)
	}
	return events
}

// forget marks a subtree detached and removes nested frames.
func (p *Page) forget(n *node, events *[]any) {
	n.detached = true
	delete(p.nodes, n.backendID)
	delete(p.byHTML, n.h)
	for _, c := range n.children {
		p.forget(c, events)
	}
	if n.shadow != nil {
		p.forget(n.shadow, events)
	}
	if n.content != nil {
		child := n.content
		if child.doc != nil {
			p.forget(child.doc, events)
		}
		for id, c := range p.contexts {
			if c.frame == child {
				delete(p.contexts, id)
			}
		}
		delete(p.frames, child.id)
		*events = append(*events, &page.EventFrameDetached{FrameID: child.id, Reason: page.FrameDetachedReasonRemove})
	}
}

func (p *Page) cdpFrame(f *frame) *cdp.Frame {
	out := &cdp.Frame{
		ID:             f.id,
		LoaderID:       f.loader,
		Name:           f.name,
		URL:            f.url,
		SecurityOrigin: "null",
		MimeType:       "text/html",
	}
	if f.parent != nil {
		out.ParentID = f.parent.id
	}
	return out
}

func (p *Page) frameTree(f *frame) *page.FrameTree {
	tree := &page.FrameTree{Frame: p.cdpFrame(f)}
	for _, child := range p.childFrames(f) {
		tree.ChildFrames = append(tree.ChildFrames, p.frameTree(child))
	}
	return tree
}

// childFrames lists f's direct children in document order.
func (p *Page) childFrames(f *frame) []*frame {
	var out []*frame
	var walk func(n *node)
	walk = func(n *node) {
		if n.content != nil {
			out = append(out, n.content)
		}
		for _, c := range n.children {
			walk(c)
		}
		if n.shadow != nil {
			walk(n.shadow)
		}
	}
	if f.doc != nil {
		walk(f.doc)
	}
	return out
}
