// Package protocol is the boundary between the resolution engine and a remote
// debugging session. Everything the engine needs from the browser goes
// through Client, so the same algorithm runs against a live target or the
// in-memory offline backend.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// ErrContextUnavailable means an execution world could not be obtained right
// now. Callers treat it as "not matched yet" and keep polling.
var ErrContextUnavailable = errors.New("execution context unavailable")

// Element states understood by Client.ElementState.
const (
	StateAttached = "attached"
	StateVisible  = "visible"
	StateHidden   = "hidden"
)

// NodeQuery addresses a node by exactly one of its identifiers.
type NodeQuery struct {
	NodeID        cdp.NodeID
	BackendNodeID cdp.BackendNodeID
	ObjectID      runtime.RemoteObjectID
}

func (q NodeQuery) String() string {
	switch {
	case q.ObjectID != "":
		return "object " + string(q.ObjectID)
	case q.BackendNodeID != 0:
		return "backend node " + strconv.FormatInt(int64(q.BackendNodeID), 10)
	default:
		return "node " + strconv.FormatInt(int64(q.NodeID), 10)
	}
}

// CallTarget selects where a function runs: on a remote object (as `this`)
// or bare inside an execution context.
type CallTarget struct {
	ObjectID  runtime.RemoteObjectID
	ContextID runtime.ExecutionContextID
}

// Client is the subset of the remote debugging vocabulary the engine uses.
// Every call is descriptive; none of them mutate the page except
// SetDocumentContent.
type Client interface {
	// DescribeNode returns a snapshot of the node. depth -1 means the whole
	// subtree; pierce includes shadow roots and frame content documents.
	DescribeNode(ctx context.Context, q NodeQuery, depth int64, pierce bool) (*cdp.Node, error)
	// ResolveNode returns a remote object for the node. A zero contextID
	// resolves in the node's own document's main world.
	ResolveNode(ctx context.Context, q NodeQuery, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error)
	// Evaluate runs an expression and returns an id-only reference to the result.
	Evaluate(ctx context.Context, expression string, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error)
	// CallFunctionOn runs fn and returns its result by value. Arguments of type
	// runtime.RemoteObjectID are passed as object references.
	CallFunctionOn(ctx context.Context, target CallTarget, fn string, args ...any) (jsontext.Value, error)
	// QueryAll runs one css, xpath or text query below the scope object and
	// returns one remote object per matched element, piercing open shadow roots.
	QueryAll(ctx context.Context, scope runtime.RemoteObjectID, engine, body string) ([]runtime.RemoteObjectID, error)
	// ElementState checks attached, visible or hidden on an element.
	ElementState(ctx context.Context, id runtime.RemoteObjectID, state string) (bool, error)
	CreateIsolatedWorld(ctx context.Context, frameID cdp.FrameID, name string) (runtime.ExecutionContextID, error)
	GetFrameOwner(ctx context.Context, frameID cdp.FrameID) (cdp.BackendNodeID, error)
	SetDocumentContent(ctx context.Context, frameID cdp.FrameID, html string) error
	GetFrameTree(ctx context.Context) (*page.FrameTree, error)
	ReleaseObject(ctx context.Context, id runtime.RemoteObjectID) error
}

// ContextIDFromObjectID extracts the execution context id that remote object
// ids embed as their second dot separated field.
func ContextIDFromObjectID(id runtime.RemoteObjectID) (runtime.ExecutionContextID, error) {
	fields := strings.Split(string(id), ".")
	if len(fields) < 3 {
		return 0, fmt.Errorf("object id %q has no context component", id)
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("object id %q has a malformed context component", id)
	}
	return runtime.ExecutionContextID(n), nil
}

// MayFail runs a speculative call. A failure is logged at debug level and
// reported as ok == false instead of an error, meaning "unavailable".
// Cancellation is never swallowed.
func MayFail[T any](ctx context.Context, logger *zap.Logger, what string, call func(context.Context) (T, error)) (T, bool, error) {
	v, err := call(ctx)
	if err == nil {
		return v, true, nil
	}
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, false, ctxErr
	}
	logger.Debug("Optional protocol call failed", zap.String("call", what), zap.Error(err))
	return zero, false, nil
}

// transientMessages are protocol failures caused by the page changing under
// an in-flight resolution. A later attempt may succeed.
var transientMessages = []string{
	"Cannot find context with specified id",
	"Execution context was destroyed",
	"Could not find node with given id",
	"No node with given id found",
	"Could not find object with given id",
	"Node with given id does not belong to the document",
	"Inspected target navigated or closed",
	"JSHandles can be evaluated only in the context they were created",
}

// IsTransient reports whether err is a protocol failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextUnavailable) {
		return true
	}
	msg := err.Error()
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Error is a protocol level failure returned by a Client.
type Error struct {
	Method  string
	Message string
}

func (e *Error) Error() string { return e.Method + ": " + e.Message }
