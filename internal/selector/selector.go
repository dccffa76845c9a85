// Package selector holds the parsed selector model consumed by the resolution
// engine: an immutable sequence of parts, a cursor for walking it without
// mutation, and the errors that describe a selector back to the caller.
package selector

import (
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
)

// Well known part names.
const (
	EngineCSS          = "css"
	EngineXPath        = "xpath"
	EngineText         = "text"
	EngineInternalText = "internal:text"
	EngineID           = "id"
	EngineTestID       = "internal:testid"
	EngineDataID       = "data-testid"
	PartNth            = "nth"
	PartOr             = "internal:or"
	PartAnd            = "internal:and"
	PartControl        = "internal:control"
	ControlFrame       = "enter-frame"
	partSeparator      = ">>"
)

// NoCapture marks a selector without a captured part.
const NoCapture = -1

// Part is a single `name=body` step of a selector.
type Part struct {
	Name string
	Body string

	// Nested is set for internal:or and internal:and.
	Nested *Selector
	// Index is set for nth.
	Index int
}

// IsCombinator reports whether the part re-resolves a nested selector
// against the root scope.
func (p Part) IsCombinator() bool {
	return p.Name == PartOr || p.Name == PartAnd
}

// IsFrameBoundary reports whether the part switches resolution into the
// content frame of the element matched so far.
func (p Part) IsFrameBoundary() bool {
	return p.Name == PartControl && p.Body == ControlFrame
}

func (p Part) String() string {
	switch {
	case p.Nested != nil:
		quoted, err := json.Marshal(p.Nested.String())
		if err != nil {
			return p.Name + "=" + strconv.Quote(p.Nested.String())
		}
		return p.Name + "=" + string(quoted)
	case p.Name == PartNth:
		return PartNth + "=" + strconv.Itoa(p.Index)
	default:
		return p.Name + "=" + p.Body
	}
}

// Selector is an immutable, ordered list of parts. Resolution walks it through
// a Cursor and never modifies Parts.
type Selector struct {
	Parts   []Part
	Capture int
}

// String renders the selector back into its text form.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for i, p := range s.Parts {
		if i > 0 {
			b.WriteString(" " + partSeparator + " ")
		}
		if i == s.Capture {
			b.WriteByte('*')
		}
		b.WriteString(p.String())
	}
	return b.String()
}

// Len returns the number of parts.
func (s *Selector) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Parts)
}

// HasCapture reports whether any part carries the `*` capture marker.
func (s *Selector) HasCapture() bool {
	return s != nil && s.Capture != NoCapture
}

// Slice returns the sub-selector covering parts [from, to). The capture index
// is kept only when it falls inside the range.
func (s *Selector) Slice(from, to int) *Selector {
	out := &Selector{Parts: s.Parts[from:to:to], Capture: NoCapture}
	if s.Capture >= from && s.Capture < to {
		out.Capture = s.Capture - from
	}
	return out
}

// SplitFrames cuts the selector at every enter-frame control part. All but the
// last segment select frame owner elements. A capture may only appear in the
// final segment.
func (s *Selector) SplitFrames() ([]*Selector, error) {
	var segments []*Selector
	start := 0
	for i, p := range s.Parts {
		if !p.IsFrameBoundary() {
			continue
		}
		if i == start {
			return nil, &ParseError{Selector: s.String(), Msg: "enter-frame must follow a frame owner selector"}
		}
		segments = append(segments, s.Slice(start, i))
		start = i + 1
	}
	if start == len(s.Parts) && start > 0 {
		return nil, &ParseError{Selector: s.String(), Msg: "selector cannot end with enter-frame"}
	}
	if s.Capture != NoCapture && s.Capture < start {
		return nil, &ParseError{Selector: s.String(), Msg: "cannot capture an element outside of the final frame"}
	}
	segments = append(segments, s.Slice(start, len(s.Parts)))
	return segments, nil
}

// Cursor returns a cursor positioned at the first part.
func (s *Selector) Cursor() Cursor {
	return Cursor{sel: s}
}

// Cursor is a read-only position inside a Selector. It is a value type: every
// recursive step receives its own copy, so branches never consume each
// other's parts.
type Cursor struct {
	sel *Selector
	pos int
}

// Done reports whether every part has been consumed.
func (c Cursor) Done() bool { return c.sel == nil || c.pos >= len(c.sel.Parts) }

// Part returns the current part. It panics when Done.
func (c Cursor) Part() Part { return c.sel.Parts[c.pos] }

// Next returns a cursor advanced by one part.
func (c Cursor) Next() Cursor { return Cursor{sel: c.sel, pos: c.pos + 1} }

// Pos returns the index of the current part.
func (c Cursor) Pos() int { return c.pos }
