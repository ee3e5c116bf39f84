package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/provider"
	"github.com/vana-com/personal-server/pkg/types"
)

type stubProvider struct{ name string }

func (s *stubProvider) Dispatch(ctx context.Context, opCtx types.OperationContext, grant *types.Grant, payload []byte) (types.DispatchResult, error) {
	return types.DispatchResult{ID: s.name}, nil
}
func (s *stubProvider) Get(ctx context.Context, operationID string) (*types.OperationView, error) {
	return &types.OperationView{ID: operationID, Status: types.StatusRunning}, nil
}
func (s *stubProvider) Cancel(ctx context.Context, operationID string) (bool, error) {
	return true, nil
}

func newTestOrchestrator(registry *provider.Registry) *Orchestrator {
	return &Orchestrator{registry: registry}
}

func TestResolveProviderRoutesAgentShapedIDToAgentProvider(t *testing.T) {
	registry := provider.New()
	agent := &stubProvider{name: "agent"}
	llm := &stubProvider{name: "llm"}
	registry.Register("agent-qwen", func() provider.Provider { return agent }, true)
	registry.Register("remote-llm", func() provider.Provider { return llm }, true)
	registry.SetDefault("remote-llm")

	o := newTestOrchestrator(registry)

	p, err := o.resolveProvider("qwen_12345")
	require.NoError(t, err)
	view, err := p.Get(context.Background(), "qwen_12345")
	require.NoError(t, err)
	assert.Equal(t, "qwen_12345", view.ID)
	assert.Same(t, agent, p)
}

func TestResolveProviderFallsBackToDefaultForRemoteLLMID(t *testing.T) {
	registry := provider.New()
	llm := &stubProvider{name: "llm"}
	registry.Register("remote-llm", func() provider.Provider { return llm }, true)
	registry.SetDefault("remote-llm")

	o := newTestOrchestrator(registry)

	p, err := o.resolveProvider("remote-llm_98765")
	require.NoError(t, err)
	assert.Same(t, llm, p)
}

func TestResolveProviderFallsBackWhenAgentKindUnregistered(t *testing.T) {
	registry := provider.New()
	llm := &stubProvider{name: "llm"}
	registry.Register("remote-llm", func() provider.Provider { return llm }, true)
	registry.SetDefault("remote-llm")

	o := newTestOrchestrator(registry)

	p, err := o.resolveProvider("gemini_555")
	require.NoError(t, err)
	assert.Same(t, llm, p)
}

func TestGetDelegatesToResolvedProvider(t *testing.T) {
	registry := provider.New()
	agent := &stubProvider{name: "agent"}
	registry.Register("agent-qwen", func() provider.Provider { return agent }, true)
	registry.SetDefault("agent-qwen")

	o := newTestOrchestrator(registry)

	view, err := o.Get(context.Background(), "qwen_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, view.Status)
}

func TestResolveSignerUsesMockAuthWhenConfigured(t *testing.T) {
	o := &Orchestrator{mockAuth: "0xdeadbeef"}

	signer, err := o.resolveSigner([]byte(`{"permission_id":"1"}`), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", signer)
}

func TestCancelDelegatesToResolvedProvider(t *testing.T) {
	registry := provider.New()
	agent := &stubProvider{name: "agent"}
	registry.Register("agent-qwen", func() provider.Provider { return agent }, true)
	registry.SetDefault("agent-qwen")

	o := newTestOrchestrator(registry)

	ok, err := o.Cancel(context.Background(), "qwen_1")
	require.NoError(t, err)
	assert.True(t, ok)
}
