package dom

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deepquery/internal/protocol"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

// Resolver turns a selector into element handles inside one frame. It only
// describes, resolves and queries through the protocol client; it never
// relies on anything the page defines in its own global scope.
type Resolver struct {
	logger *zap.Logger

	// PierceClosedShadow makes every plain step also search the closed shadow
	// roots found in the scope's described tree. Without it the resolver sees
	// exactly what in-page DOM APIs see.
	PierceClosedShadow bool
}

// NewResolver returns a resolver that pierces closed shadow roots.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger.Named("resolver"), PierceClosedShadow: true}
}

// Resolve returns the elements matching sel below root, ordered by document
// position and deduplicated by backend node id. An empty result means
// "nothing yet" and is not an error.
//
// When sel captures a part, the result is the set matched by the parts up to
// and including the captured one, narrowed to those elements under which the
// remaining parts still match.
//
// The caller owns root and the returned handles. Every other remote object
// created along the way is released before Resolve returns.
func (r *Resolver) Resolve(ctx context.Context, root *ElementHandle, sel *selector.Selector) (out []*ElementHandle, err error) {
	if root == nil {
		return nil, errors.New("resolve: nil root scope")
	}
	s := &scratch{}
	defer func() { s.sweep(ctx, out) }()

	if !sel.HasCapture() {
		return r.resolve(ctx, s, root, sel.Cursor(), false)
	}

	// Capture: resolve the head through the captured part, then keep each
	// candidate under which the tail still matches. The tail runs with the
	// candidate as its root, so its positions never mix with the head's.
	head := sel.Slice(0, sel.Capture+1)
	tail := sel.Slice(sel.Capture+1, sel.Len())
	candidates, err := r.resolve(ctx, s, root, head.Cursor(), true)
	if err != nil || len(candidates) == 0 || tail.Len() == 0 {
		return candidates, err
	}

	var kept []*ElementHandle
	for _, c := range candidates {
		inner, err := r.resolve(ctx, s, c, tail.Cursor(), true)
		if err != nil {
			return nil, err
		}
		if len(inner) > 0 {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// scratch records the handles one Resolve call creates, so everything that
// does not end up in the result is released in one place.
type scratch struct {
	handles []*ElementHandle
}

func (s *scratch) add(hs ...*ElementHandle) {
	s.handles = append(s.handles, hs...)
}

// sweep disposes every recorded handle that is not in keep.
func (s *scratch) sweep(ctx context.Context, keep []*ElementHandle) {
	kept := make(map[*ElementHandle]bool, len(keep))
	for _, h := range keep {
		kept[h] = true
	}
	ctx = context.WithoutCancel(ctx)
	for _, h := range s.handles {
		if !kept[h] {
			_ = h.Dispose(ctx)
		}
	}
	s.handles = nil
}

// resolve walks the parts under cur. Every call owns its cursor, so nested
// combinators never consume the parts of their caller.
func (r *Resolver) resolve(ctx context.Context, s *scratch, root *ElementHandle, cur selector.Cursor, capture bool) ([]*ElementHandle, error) {
	set := []*ElementHandle{root}
	for ; !cur.Done(); cur = cur.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part := cur.Part()

		var err error
		switch {
		case part.Name == selector.PartNth:
			k := part.Index
			if k < 0 {
				k += len(set)
			}
			if k < 0 || k >= len(set) {
				if capture {
					return nil, ErrNthWithCapture
				}
				return nil, nil
			}
			set = []*ElementHandle{set[k]}

		case part.Name == selector.PartOr:
			// Both branches start from the root scope, not from the set.
			var nested []*ElementHandle
			if nested, err = r.resolve(ctx, s, root, part.Nested.Cursor(), capture); err != nil {
				return nil, err
			}
			set = order(append(set[:len(set):len(set)], nested...))

		case part.Name == selector.PartAnd:
			var nested []*ElementHandle
			if nested, err = r.resolve(ctx, s, root, part.Nested.Cursor(), capture); err != nil {
				return nil, err
			}
			set = intersect(set, nested)

		case part.IsFrameBoundary():
			return nil, fmt.Errorf("%w: %s cannot be resolved inside a single frame", ErrUnsupportedEngine, part)

		default:
			if set, err = r.query(ctx, s, set, part); err != nil {
				return nil, err
			}
		}

		if len(set) == 0 {
			return nil, nil
		}
	}
	return set, nil
}

// intersect keeps the members of set that also appear in other, in set's
// order.
func intersect(set, other []*ElementHandle) []*ElementHandle {
	present := make(map[cdp.BackendNodeID]bool, len(other))
	for _, h := range other {
		present[h.backendID] = true
	}
	out := make([]*ElementHandle, 0, len(set))
	for _, h := range set {
		if present[h.backendID] {
			out = append(out, h)
		}
	}
	return out
}

// query runs one plain part against every scope in the set.
func (r *Resolver) query(ctx context.Context, s *scratch, scopes []*ElementHandle, part selector.Part) ([]*ElementHandle, error) {
	engine, body, err := engineFor(part)
	if err != nil {
		return nil, err
	}
	var found []*ElementHandle
	for _, scope := range scopes {
		matches, err := r.queryScope(ctx, s, scope, engine, body)
		if err != nil {
			return nil, err
		}
		found = append(found, matches...)
	}
	return order(found), nil
}

// queryScope describes the scope once, queries its light tree and every
// closed shadow root under it, and positions each match within that one
// description.
func (r *Resolver) queryScope(ctx context.Context, s *scratch, scope *ElementHandle, engine, body string) ([]*ElementHandle, error) {
	client := scope.ec.client

	// 1. One pierced, full depth description serves both the shadow root
	// enumeration and every position below.
	tree, ok, err := protocol.MayFail(ctx, r.logger, "describe scope", func(ctx context.Context) (*cdp.Node, error) {
		return client.DescribeNode(ctx, protocol.NodeQuery{ObjectID: scope.objectID}, -1, true)
	})
	if err != nil || !ok {
		return nil, err
	}

	// 2. Closed shadow roots are only reachable by backend id. Adopt each
	// into the scope's world so it can be queried like any other node.
	var roots []*ElementHandle
	if r.PierceClosedShadow {
		for _, id := range closedShadowRoots(tree, nil) {
			root, ok, err := protocol.MayFail(ctx, r.logger, "resolve closed shadow root", func(ctx context.Context) (*ElementHandle, error) {
				return scope.ec.Adopt(ctx, id)
			})
			if err != nil {
				return nil, err
			}
			if ok {
				s.add(root)
				root.parent = ElementScope(scope)
				roots = append(roots, root)
			}
		}
	}

	// 3. Query the shadow roots first and the scope itself last. The scope
	// query covers the light tree and any open shadow roots.
	base, anchored := scope.Position()
	var out []*ElementHandle
	for _, from := range append(roots, scope) {
		ids, err := client.QueryAll(ctx, from.objectID, engine, body)
		if err != nil {
			return nil, classify(err)
		}
		for i, id := range ids {
			h, err := r.describeMatch(ctx, scope.ec, id)
			if err != nil {
				// The ids not yet wrapped in handles are not in the scratch.
				for _, rest := range ids[i:] {
					_ = client.ReleaseObject(context.WithoutCancel(ctx), rest)
				}
				return nil, err
			}
			if h == nil {
				continue
			}
			s.add(h)
			h.parent = ElementScope(from)
			// A scope without a position of its own cannot place its matches
			// among those of other scopes, so they stay unpositioned.
			if rel, ok := PositionOf(h.backendID, tree); ok && anchored {
				h.position, h.positioned = base.Anchor(rel), true
			}
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *Resolver) describeMatch(ctx context.Context, ec *ExecutionContext, id runtime.RemoteObjectID) (*ElementHandle, error) {
	node, ok, err := protocol.MayFail(ctx, r.logger, "describe match", func(ctx context.Context) (*cdp.Node, error) {
		return ec.client.DescribeNode(ctx, protocol.NodeQuery{ObjectID: id}, 0, false)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = ec.client.ReleaseObject(context.WithoutCancel(ctx), id)
		return nil, nil
	}
	return newHandle(ec, id, node), nil
}

// closedShadowRoots lists the closed shadow roots in tree, depth first,
// without descending into frame content.
func closedShadowRoots(n *cdp.Node, acc []cdp.BackendNodeID) []cdp.BackendNodeID {
	if n == nil {
		return acc
	}
	for _, sr := range n.ShadowRoots {
		if sr.ShadowRootType == cdp.ShadowRootTypeClosed && sr.BackendNodeID != 0 {
			acc = append(acc, sr.BackendNodeID)
		}
		acc = closedShadowRoots(sr, acc)
	}
	if n.NodeName == "IFRAME" || n.FrameID != "" {
		return acc
	}
	for _, c := range n.Children {
		acc = closedShadowRoots(c, acc)
	}
	return acc
}

// order sorts handles into document order and drops every later handle for
// a backend node already seen. Handles without a position sort last.
func order(handles []*ElementHandle) []*ElementHandle {
	sort.SliceStable(handles, func(i, j int) bool {
		a, b := handles[i], handles[j]
		if a.positioned != b.positioned {
			return a.positioned
		}
		return a.position.Compare(b.position) < 0
	})
	seen := make(map[cdp.BackendNodeID]bool, len(handles))
	out := handles[:0:0]
	for _, h := range handles {
		if seen[h.backendID] {
			continue
		}
		seen[h.backendID] = true
		out = append(out, h)
	}
	return out
}
