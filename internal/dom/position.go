package dom

import (
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// Position is a node's document-order path inside one described tree: the
// sibling index at every level from the tree root down to the node.
type Position []int

// Compare orders positions component by component. A missing trailing
// component compares as -1, so an ancestor sorts before its descendants.
func (p Position) Compare(o Position) int {
	n := max(len(p), len(o))
	for i := 0; i < n; i++ {
		a, b := -1, -1
		if i < len(p) {
			a = p[i]
		}
		if i < len(o) {
			b = o[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Anchor prefixes rel with p, producing an absolute position for a node that
// was located relative to the node at p.
func (p Position) Anchor(rel Position) Position {
	out := make(Position, 0, len(p)+len(rel))
	out = append(out, p...)
	return append(out, rel...)
}

func (p Position) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return "/" + strings.Join(parts, "/")
}

// PositionOf searches tree depth first for target. Shadow roots are searched
// at their host's path without adding a component of their own, after the
// host's light children. Content documents of frames are not entered. The
// tree root itself has the empty position.
func PositionOf(target cdp.BackendNodeID, tree *cdp.Node) (Position, bool) {
	if tree == nil {
		return nil, false
	}
	return positionOf(target, tree, Position{})
}

func positionOf(target cdp.BackendNodeID, n *cdp.Node, path Position) (Position, bool) {
	if n.BackendNodeID == target {
		return path, true
	}
	for i, child := range n.Children {
		if pos, ok := positionOf(target, child, append(path[:len(path):len(path)], i)); ok {
			return pos, true
		}
	}
	for _, root := range n.ShadowRoots {
		if pos, ok := positionOf(target, root, path); ok {
			return pos, true
		}
	}
	return nil, false
}
