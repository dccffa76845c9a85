package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// CDPClient implements Client over a DevTools executor, usually the
// chromedp.Target of an attached page.
type CDPClient struct {
	executor cdp.Executor
	logger   *zap.Logger
	// Per call budget applied on top of the caller's context.
	callTimeout time.Duration
}

var _ Client = (*CDPClient)(nil)

// NewCDPClient wraps an executor. A zero callTimeout leaves calls bounded only
// by the caller's context.
func NewCDPClient(executor cdp.Executor, logger *zap.Logger, callTimeout time.Duration) *CDPClient {
	return &CDPClient{
		executor:    executor,
		logger:      logger.Named("cdp"),
		callTimeout: callTimeout,
	}
}

// bind attaches the executor to the context and applies the per call budget.
func (c *CDPClient) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		return cdp.WithExecutor(ctx, c.executor), cancel
	}
	return cdp.WithExecutor(ctx, c.executor), func() {}
}

func (c *CDPClient) DescribeNode(ctx context.Context, q NodeQuery, depth int64, pierce bool) (*cdp.Node, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	p := dom.DescribeNode().WithDepth(depth).WithPierce(pierce)
	switch {
	case q.ObjectID != "":
		p = p.WithObjectID(q.ObjectID)
	case q.BackendNodeID != 0:
		p = p.WithBackendNodeID(q.BackendNodeID)
	default:
		p = p.WithNodeID(q.NodeID)
	}
	node, err := p.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", q, err)
	}
	return node, nil
}

func (c *CDPClient) ResolveNode(ctx context.Context, q NodeQuery, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	p := dom.ResolveNode()
	if q.BackendNodeID != 0 {
		p = p.WithBackendNodeID(q.BackendNodeID)
	} else {
		p = p.WithNodeID(q.NodeID)
	}
	if contextID != 0 {
		p = p.WithExecutionContextID(contextID)
	}
	obj, err := p.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", q, err)
	}
	return obj, nil
}

func (c *CDPClient) Evaluate(ctx context.Context, expression string, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	p := runtime.Evaluate(expression).
		WithSerializationOptions(&runtime.SerializationOptions{
			Serialization: runtime.SerializationOptionsSerializationIDOnly,
		})
	if contextID != 0 {
		p = p.WithContextID(contextID)
	}
	obj, exp, err := p.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	if exp != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, exp)
	}
	return obj, nil
}

func (c *CDPClient) CallFunctionOn(ctx context.Context, target CallTarget, fn string, args ...any) (jsontext.Value, error) {
	obj, err := c.call(ctx, target, fn, true, args...)
	if err != nil {
		return nil, err
	}
	if obj.Type == runtime.TypeUndefined {
		return jsontext.Value("null"), nil
	}
	if len(obj.Value) == 0 {
		return jsontext.Value("null"), nil
	}
	return obj.Value, nil
}

func (c *CDPClient) call(ctx context.Context, target CallTarget, fn string, byValue bool, args ...any) (*runtime.RemoteObject, error) {
	callArgs, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.bind(ctx)
	defer cancel()

	p := runtime.CallFunctionOn(fn).
		WithArguments(callArgs).
		WithReturnByValue(byValue).
		WithAwaitPromise(true)
	if target.ObjectID != "" {
		p = p.WithObjectID(target.ObjectID)
	} else {
		p = p.WithExecutionContextID(target.ContextID)
	}
	obj, exp, err := p.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("call function: %w", err)
	}
	if exp != nil {
		return nil, fmt.Errorf("call function: %w", exp)
	}
	return obj, nil
}

func encodeArgs(args []any) ([]*runtime.CallArgument, error) {
	out := make([]*runtime.CallArgument, 0, len(args))
	for i, a := range args {
		if id, ok := a.(runtime.RemoteObjectID); ok {
			out = append(out, &runtime.CallArgument{ObjectID: id})
			continue
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out = append(out, &runtime.CallArgument{Value: jsontext.Value(raw)})
	}
	return out, nil
}

func (c *CDPClient) QueryAll(ctx context.Context, scope runtime.RemoteObjectID, engine, body string) ([]runtime.RemoteObjectID, error) {
	arr, err := c.call(ctx, CallTarget{ObjectID: scope}, queryAllFunction, false, engine, body)
	if err != nil {
		return nil, err
	}
	if arr.ObjectID == "" {
		return nil, nil
	}
	defer func() {
		if err := c.ReleaseObject(context.WithoutCancel(ctx), arr.ObjectID); err != nil {
			c.logger.Debug("Failed to release query result", zap.Error(err))
		}
	}()

	bctx, cancel := c.bind(ctx)
	defer cancel()
	props, _, _, exp, err := runtime.GetProperties(arr.ObjectID).WithOwnProperties(true).Do(bctx)
	if err != nil {
		return nil, fmt.Errorf("list query results: %w", err)
	}
	if exp != nil {
		return nil, fmt.Errorf("list query results: %w", exp)
	}

	// Own properties include "length"; array slots are the numeric names.
	type indexed struct {
		i  int
		id runtime.RemoteObjectID
	}
	items := make([]indexed, 0, len(props))
	for _, p := range props {
		i, err := strconv.Atoi(p.Name)
		if err != nil || p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		items = append(items, indexed{i: i, id: p.Value.ObjectID})
	}
	ids := make([]runtime.RemoteObjectID, len(items))
	for _, it := range items {
		if it.i < len(ids) {
			ids[it.i] = it.id
		}
	}
	return compact(ids), nil
}

func compact(ids []runtime.RemoteObjectID) []runtime.RemoteObjectID {
	out := ids[:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (c *CDPClient) ElementState(ctx context.Context, id runtime.RemoteObjectID, state string) (bool, error) {
	v, err := c.CallFunctionOn(ctx, CallTarget{ObjectID: id}, elementStateFunction, state)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(v, &ok); err != nil {
		return false, fmt.Errorf("decode %s state: %w", state, err)
	}
	return ok, nil
}

func (c *CDPClient) CreateIsolatedWorld(ctx context.Context, frameID cdp.FrameID, name string) (runtime.ExecutionContextID, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	id, err := page.CreateIsolatedWorld(frameID).
		WithWorldName(name).
		WithGrantUniveralAccess(true).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("create isolated world in frame %s: %w", frameID, err)
	}
	return id, nil
}

func (c *CDPClient) GetFrameOwner(ctx context.Context, frameID cdp.FrameID) (cdp.BackendNodeID, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	backendID, _, err := dom.GetFrameOwner(frameID).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("frame owner of %s: %w", frameID, err)
	}
	return backendID, nil
}

func (c *CDPClient) SetDocumentContent(ctx context.Context, frameID cdp.FrameID, html string) error {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	if err := page.SetDocumentContent(frameID, html).Do(ctx); err != nil {
		return fmt.Errorf("set content of frame %s: %w", frameID, err)
	}
	return nil
}

func (c *CDPClient) GetFrameTree(ctx context.Context) (*page.FrameTree, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	tree, err := page.GetFrameTree().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get frame tree: %w", err)
	}
	return tree, nil
}

func (c *CDPClient) ReleaseObject(ctx context.Context, id runtime.RemoteObjectID) error {
	ctx, cancel := c.bind(ctx)
	defer cancel()
	return runtime.ReleaseObject(id).Do(ctx)
}
