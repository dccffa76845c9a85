package frames

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/deepquery/internal/dom"
	"github.com/xkilldash9x/deepquery/internal/protocol"
	"github.com/xkilldash9x/deepquery/internal/selector"
)

var (
	// ErrFrameDetached means the frame left the page while a request was
	// running in it.
	ErrFrameDetached = errors.New("frame was detached")

	// ErrUnsupportedOption rejects option combinations the engine does not
	// implement.
	ErrUnsupportedOption = errors.New("unsupported option")

	// ErrNotFrameOwner is returned when the part before enter-frame matches
	// something that is not an iframe or frame element.
	ErrNotFrameOwner = errors.New("selector did not resolve to a frame owner element")

	// ErrContinuePolling is returned by an action to retry as if nothing
	// matched.
	ErrContinuePolling = errors.New("continue polling")

	// ErrElementDetached is returned by an action whose element left the DOM
	// between resolution and use. The attempt is retried.
	ErrElementDetached = errors.New("element is not attached to the DOM")
)

// TimeoutError ends a polling request that never succeeded. It carries the
// call log of every attempt.
type TimeoutError struct {
	Selector string
	Timeout  time.Duration
	Log      []string
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "timeout %s exceeded while resolving %q", e.Timeout, e.Selector)
	if len(e.Log) > 0 {
		b.WriteString("\nCall log:")
		for _, line := range e.Log {
			b.WriteString("\n  - " + line)
		}
	}
	return b.String()
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match a timeout.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsNonRetriable reports whether err must end a polling request at once.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	var strict *selector.StrictModeViolationError
	var parse *selector.ParseError
	switch {
	case errors.As(err, &strict), errors.As(err, &parse):
		return true
	case errors.Is(err, ErrFrameDetached),
		errors.Is(err, ErrUnsupportedOption),
		errors.Is(err, ErrNotFrameOwner),
		errors.Is(err, dom.ErrNthWithCapture),
		errors.Is(err, dom.ErrUnsupportedEngine):
		return true
	}
	return false
}

// isRetriable reports whether an attempt failed only because the page is in
// flux.
func isRetriable(err error) bool {
	return errors.Is(err, ErrContinuePolling) ||
		errors.Is(err, ErrElementDetached) ||
		errors.Is(err, dom.ErrWrongContext) ||
		protocol.IsTransient(err)
}
