package frames

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

// target is where a selector ends up once every frame boundary is crossed.
type target struct {
	frame *Frame
	sel   *selector.Selector
	// scope is the caller's root element, only kept when no boundary was
	// crossed.
	scope *dom.ElementHandle
}

// resolveFrameForSelector follows the enter-frame parts of sel down the frame
// tree. A nil target with a nil error means some frame owner is not there
// yet.
func (f *Frame) resolveFrameForSelector(ctx context.Context, sel *selector.Selector, scope *dom.ElementHandle, strict bool, progress *Progress) (*target, error) {
	segments, err := sel.SplitFrames()
	if err != nil {
		return nil, err
	}
	frame := f
	for _, seg := range segments[:len(segments)-1] {
		owner, err := frame.resolveFrameOwner(ctx, seg, scope, strict, progress)
		if err != nil || owner == nil {
			return nil, err
		}
		childID := owner.ContentFrameID()
		_ = owner.Dispose(context.WithoutCancel(ctx))

		child, ok := f.manager.Frame(childID)
		if !ok {
			progress.Log("  waiting for frame %s to attach", childID)
			return nil, nil
		}
		frame, scope = child, nil
	}
	return &target{frame: frame, sel: segments[len(segments)-1], scope: scope}, nil
}

// resolveFrameOwner finds the element owning the next frame. The default path
// sees what in-page DOM APIs see; when it comes up empty and custom logic is
// enabled, the full resolver also searches closed shadow roots.
func (f *Frame) resolveFrameOwner(ctx context.Context, seg *selector.Selector, scope *dom.ElementHandle, strict bool, progress *Progress) (owner *dom.ElementHandle, err error) {
	root := scope
	if root == nil {
		doc, err := f.Document(ctx, dom.UtilityWorld)
		if err != nil || doc == nil {
			return nil, err
		}
		defer func() {
			if doc != owner {
				_ = doc.Dispose(context.WithoutCancel(ctx))
			}
		}()
		root = doc
	}

	owners, err := f.manager.light.Resolve(ctx, root, seg)
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		if !f.manager.cfg.CustomLogic {
			progress.Log("  frame owner %q not found", seg)
			return nil, nil
		}
		if owners, err = f.manager.resolver.Resolve(ctx, root, seg); err != nil {
			return nil, err
		}
		if len(owners) == 0 {
			return nil, nil
		}
	}

	if len(owners) > 1 {
		if strict {
			dom.DisposeAll(context.WithoutCancel(ctx), owners)
			return nil, selector.NewStrictModeViolation(seg, matchesOf(owners))
		}
		dom.DisposeAll(context.WithoutCancel(ctx), owners[1:])
	}
	owner = owners[0]
	if owner.ContentFrameID() == "" {
		_ = owner.Dispose(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: %q resolved to %s", ErrNotFrameOwner, seg, owner.Preview())
	}
	return owner, nil
}

func matchesOf(handles []*dom.ElementHandle) []selector.Match {
	out := make([]selector.Match, len(handles))
	for i, h := range handles {
		out[i] = h
	}
	return out
}
