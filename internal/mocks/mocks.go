// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/deepquery/internal/protocol"
)

// -- Protocol Client Mock --

// MockClient mocks the protocol.Client interface.
type MockClient struct {
	mock.Mock
}

var _ protocol.Client = (*MockClient)(nil)

func (m *MockClient) DescribeNode(ctx context.Context, q protocol.NodeQuery, depth int64, pierce bool) (*cdp.Node, error) {
	args := m.Called(ctx, q, depth, pierce)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cdp.Node), args.Error(1)
}

func (m *MockClient) ResolveNode(ctx context.Context, q protocol.NodeQuery, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	args := m.Called(ctx, q, contextID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*runtime.RemoteObject), args.Error(1)
}

func (m *MockClient) Evaluate(ctx context.Context, expression string, contextID runtime.ExecutionContextID) (*runtime.RemoteObject, error) {
	args := m.Called(ctx, expression, contextID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*runtime.RemoteObject), args.Error(1)
}

// CallFunctionOn checks for cancellation before recording the call.
func (m *MockClient) CallFunctionOn(ctx context.Context, target protocol.CallTarget, fn string, args ...any) (jsontext.Value, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	res := m.Called(ctx, target, fn, args)
	if res.Get(0) == nil {
		return nil, res.Error(1)
	}
	return res.Get(0).(jsontext.Value), res.Error(1)
}

func (m *MockClient) QueryAll(ctx context.Context, scope runtime.RemoteObjectID, engine, body string) ([]runtime.RemoteObjectID, error) {
	args := m.Called(ctx, scope, engine, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]runtime.RemoteObjectID), args.Error(1)
}

func (m *MockClient) ElementState(ctx context.Context, id runtime.RemoteObjectID, state string) (bool, error) {
	args := m.Called(ctx, id, state)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) CreateIsolatedWorld(ctx context.Context, frameID cdp.FrameID, name string) (runtime.ExecutionContextID, error) {
	args := m.Called(ctx, frameID, name)
	return args.Get(0).(runtime.ExecutionContextID), args.Error(1)
}

func (m *MockClient) GetFrameOwner(ctx context.Context, frameID cdp.FrameID) (cdp.BackendNodeID, error) {
	args := m.Called(ctx, frameID)
	return args.Get(0).(cdp.BackendNodeID), args.Error(1)
}

func (m *MockClient) SetDocumentContent(ctx context.Context, frameID cdp.FrameID, html string) error {
	return m.Called(ctx, frameID, html).Error(0)
}

func (m *MockClient) GetFrameTree(ctx context.Context) (*page.FrameTree, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*page.FrameTree), args.Error(1)
}

func (m *MockClient) ReleaseObject(ctx context.Context, id runtime.RemoteObjectID) error {
	return m.Called(ctx, id).Error(0)
}

// NewFrameTreeClient returns a MockClient already answering GetFrameTree with
// a single main frame.
func NewFrameTreeClient(mainID cdp.FrameID) *MockClient {
	m := new(MockClient)
	m.On("GetFrameTree", mock.Anything).Return(&page.FrameTree{
		Frame: &cdp.Frame{ID: mainID, URL: "about:blank"},
	}, nil)
	return m
}
