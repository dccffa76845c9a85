package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextIDFromObjectID(t *testing.T) {
	testCases := []struct {
		id      runtime.RemoteObjectID
		want    runtime.ExecutionContextID
		wantErr bool
	}{
		{id: "-4127833950157235361.3.1", want: 3},
		{id: "6f1c2e1a-aa11-4bb2-9c3d-0123456789ab.12.40", want: 12},
		{id: "1.2", wantErr: true},
		{id: "a.b.c", wantErr: true},
		{id: "1.0.5", wantErr: true},
		{id: "", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(string(tc.id), func(t *testing.T) {
			got, err := ContextIDFromObjectID(tc.id)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.True(t, IsTransient(ErrContextUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("resolve: %w", ErrContextUnavailable)))
	assert.True(t, IsTransient(&Error{Method: "DOM.resolveNode", Message: "Cannot find context with specified id"}))
	assert.True(t, IsTransient(errors.New("exception: JSHandles can be evaluated only in the context they were created!")))
}

func TestMayFail(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	t.Run("success passes through", func(t *testing.T) {
		v, ok, err := MayFail(context.Background(), logger, "probe", func(context.Context) (int, error) {
			return 7, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 7, v)
	})

	t.Run("failure becomes unavailable", func(t *testing.T) {
		v, ok, err := MayFail(context.Background(), logger, "probe", func(context.Context) (int, error) {
			return 3, errors.New("No node with given id found")
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, v)
		assert.Equal(t, 1, logs.FilterMessage("Optional protocol call failed").Len())
	})

	t.Run("cancellation is not swallowed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, ok, err := MayFail(ctx, logger, "probe", func(ctx context.Context) (int, error) {
			return 0, ctx.Err()
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
