package dom

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNthWithCapture is returned when an nth part falls outside the scoping
	// set of a request that captures a sub-match. It is never retried.
	ErrNthWithCapture = errors.New("can't query n-th element in a request with the capture")

	// ErrWrongContext means a handle was used in an execution context other
	// than the one it was created in. The page moved on under the caller; a
	// fresh resolution will hand out handles from the right world.
	ErrWrongContext = errors.New("handle evaluated in wrong execution context")

	// ErrUnsupportedEngine is returned for selector parts no engine handles.
	ErrUnsupportedEngine = errors.New("unsupported selector engine")
)

const wrongContextMessage = "JSHandles can be evaluated only in the context they were created"

// classify turns the protocol's wrong-context failure into ErrWrongContext.
func classify(err error) error {
	if err != nil && strings.Contains(err.Error(), wrongContextMessage) {
		return fmt.Errorf("%w: %v", ErrWrongContext, err)
	}
	return err
}
