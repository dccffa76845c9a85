package selector

import (
	"fmt"
	"strings"
)

// ParseError reports malformed selector text.
type ParseError struct {
	Selector string
	Msg      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid selector %q: %s", e.Selector, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Match is anything the resolver hands back that can describe itself.
type Match interface {
	Preview() string
}

// StrictModeViolationError is raised when a strict request resolves to more
// than one element. It carries every match so callers can report them.
type StrictModeViolationError struct {
	Selector string
	Matches  []Match
}

// NewStrictModeViolation builds the violation error for a parsed selector and
// the full list of elements it resolved to.
func NewStrictModeViolation(sel *Selector, matches []Match) *StrictModeViolationError {
	return &StrictModeViolationError{Selector: sel.String(), Matches: matches}
}

func (e *StrictModeViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strict mode violation: %q resolved to %d elements:", e.Selector, len(e.Matches))
	for i, m := range e.Matches {
		if i == 10 {
			fmt.Fprintf(&b, "\n    ...and %d more", len(e.Matches)-i)
			break
		}
		fmt.Fprintf(&b, "\n    %d) %s", i+1, m.Preview())
	}
	return b.String()
}
