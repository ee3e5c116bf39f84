package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/types"
)

type fakeProvider struct{ id int }

func (f *fakeProvider) Dispatch(ctx context.Context, opCtx types.OperationContext, grant *types.Grant, payload []byte) (types.DispatchResult, error) {
	return types.DispatchResult{ID: "fake", CreatedAt: time.Now()}, nil
}

func (f *fakeProvider) Get(ctx context.Context, operationID string) (*types.OperationView, error) {
	return &types.OperationView{ID: operationID, Status: types.StatusSucceeded}, nil
}

func (f *fakeProvider) Cancel(ctx context.Context, operationID string) (bool, error) {
	return true, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register("remote-llm", func() Provider { return &fakeProvider{id: 1} }, false)

	p, ok := r.Get("remote-llm")
	require.True(t, ok)
	result, err := p.Dispatch(context.Background(), types.OperationContext{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "fake", result.ID)
}

func TestStatelessReturnsFreshInstanceEachTime(t *testing.T) {
	count := 0
	r := New()
	r.Register("remote-llm", func() Provider {
		count++
		return &fakeProvider{id: count}
	}, false)

	first, _ := r.Get("remote-llm")
	second, _ := r.Get("remote-llm")
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, count)
}

func TestSingletonReturnsSameInstance(t *testing.T) {
	count := 0
	r := New()
	r.Register("agent-qwen", func() Provider {
		count++
		return &fakeProvider{id: count}
	}, true)

	first, _ := r.Get("agent-qwen")
	second, _ := r.Get("agent-qwen")
	assert.Same(t, first, second)
	assert.Equal(t, 1, count)
}

func TestGetUnknownOperation(t *testing.T) {
	r := New()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestGetOrDefaultFallsBack(t *testing.T) {
	r := New()
	r.Register("remote-llm", func() Provider { return &fakeProvider{id: 1} }, false)
	r.SetDefault("remote-llm")

	p, err := r.GetOrDefault("unknown-operation")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestGetOrDefaultErrorsWithoutDefault(t *testing.T) {
	r := New()
	_, err := r.GetOrDefault("unknown-operation")
	assert.Error(t, err)
}

func TestSupportsOperation(t *testing.T) {
	r := New()
	r.Register("remote-llm", func() Provider { return &fakeProvider{} }, false)
	assert.True(t, r.SupportsOperation("remote-llm"))
	assert.False(t, r.SupportsOperation("agent-qwen"))
}

func TestKindFromOperationID(t *testing.T) {
	kind, ok := KindFromOperationID("agent-qwen_42")
	require.True(t, ok)
	assert.Equal(t, "agent-qwen", kind)

	_, ok = KindFromOperationID("not-shaped-like-that")
	assert.False(t, ok)

	_, ok = KindFromOperationID("")
	assert.False(t, ok)
}
