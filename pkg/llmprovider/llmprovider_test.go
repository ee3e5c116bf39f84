package llmprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/types"
)

type fakeRemoteClient struct {
	submitID    string
	submitErr   error
	state       RemoteState
	pollErr     error
	cancelOK    bool
	cancelErr   error
	lastPrompt  string
}

func (f *fakeRemoteClient) Submit(ctx context.Context, prompt, modelVersion string) (string, error) {
	f.lastPrompt = prompt
	return f.submitID, f.submitErr
}

func (f *fakeRemoteClient) Poll(ctx context.Context, remoteID string) (RemoteState, error) {
	return f.state, f.pollErr
}

func (f *fakeRemoteClient) Cancel(ctx context.Context, remoteID string) (bool, error) {
	return f.cancelOK, f.cancelErr
}

func testGrant(parameters map[string]any) *types.Grant {
	return &types.Grant{Operation: "remote-llm", Parameters: parameters}
}

func TestDispatchSubmitsPromptAndRecordsRemoteID(t *testing.T) {
	client := &fakeRemoteClient{submitID: "remote-1"}
	p := New(client, "v1", 0)

	result, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(map[string]any{
		"prompt": "analyze {{data}}",
	}), []byte("the data"))
	require.NoError(t, err)
	assert.Equal(t, "op-1", result.ID)
	assert.Contains(t, client.lastPrompt, "the data")
}

func TestDispatchAppendsJSONInstructionForJSONObjectFormat(t *testing.T) {
	client := &fakeRemoteClient{submitID: "remote-1"}
	p := New(client, "v1", 0)

	_, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(map[string]any{
		"prompt":          "analyze {{data}}",
		"response_format": map[string]any{"type": "json_object"},
	}), []byte("the data"))
	require.NoError(t, err)
	assert.Contains(t, client.lastPrompt, "Respond with a single JSON object only")
}

func TestDispatchWrapsSubmitError(t *testing.T) {
	client := &fakeRemoteClient{submitErr: assertError("boom")}
	p := New(client, "v1", 0)

	_, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(nil), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindCompute, apperrors.KindOf(err))
}

func TestGetMapsRemoteStatusesToOperationStatuses(t *testing.T) {
	client := &fakeRemoteClient{submitID: "remote-1", state: RemoteState{Status: "processing"}}
	p := New(client, "v1", 0)
	_, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(nil), nil)
	require.NoError(t, err)

	view, err := p.Get(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, view.Status)

	client.state = RemoteState{Status: "succeeded", Output: "plain text result"}
	view, err = p.Get(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, view.Status)
	assert.Equal(t, "plain text result", view.Result)
}

func TestGetExtractsJSONResultWhenFormatRequested(t *testing.T) {
	client := &fakeRemoteClient{submitID: "remote-1"}
	p := New(client, "v1", 0)
	_, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(map[string]any{
		"response_format": map[string]any{"type": "json_object"},
	}), nil)
	require.NoError(t, err)

	client.state = RemoteState{Status: "succeeded", Output: "```json\n{\"answer\": 7}\n```"}
	view, err := p.Get(context.Background(), "op-1")
	require.NoError(t, err)
	obj, ok := view.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), obj["answer"])
}

func TestGetReportsParseFailureInsteadOfError(t *testing.T) {
	client := &fakeRemoteClient{submitID: "remote-1"}
	p := New(client, "v1", 0)
	_, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(map[string]any{
		"response_format": map[string]any{"type": "json_object"},
	}), nil)
	require.NoError(t, err)

	client.state = RemoteState{Status: "succeeded", Output: "not json at all"}
	view, err := p.Get(context.Background(), "op-1")
	require.NoError(t, err)
	obj, ok := view.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_parse_failed", obj["error"])
}

func TestGetUnknownOperationReturnsNotFound(t *testing.T) {
	p := New(&fakeRemoteClient{}, "v1", 0)

	_, err := p.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestCancelDelegatesToClientAndClearsFormat(t *testing.T) {
	client := &fakeRemoteClient{submitID: "remote-1", cancelOK: true}
	p := New(client, "v1", 0)
	_, err := p.Dispatch(context.Background(), types.OperationContext{OperationID: "op-1"}, testGrant(map[string]any{
		"response_format": map[string]any{"type": "json_object"},
	}), nil)
	require.NoError(t, err)
	require.Contains(t, p.responseFormats, "op-1")

	ok, err := p.Cancel(context.Background(), "op-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, p.responseFormats, "op-1")
}

func TestCancelUnknownOperationIsFalseWithoutError(t *testing.T) {
	p := New(&fakeRemoteClient{}, "v1", 0)

	ok, err := p.Cancel(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildPromptTruncatesOversizedPayload(t *testing.T) {
	prompt := buildPrompt("prefix {{data}} suffix", []byte("0123456789"), 4)
	assert.Contains(t, prompt, "truncated")
	assert.Contains(t, prompt, "0123")
	assert.NotContains(t, prompt, "56789")
}

func TestBuildPromptLeavesTemplateUnchangedWithoutPlaceholder(t *testing.T) {
	prompt := buildPrompt("no placeholder here", []byte("data"), 100)
	assert.Equal(t, "no placeholder here", prompt)
}

type assertError string

func (e assertError) Error() string { return string(e) }
