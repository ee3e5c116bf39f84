package agentprovider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vana-com/personal-server/pkg/sandbox"
)

func TestNameWorkspaceFileDetectsChatGPTExport(t *testing.T) {
	content := []byte(`[{"role": "user", "content": "hi"}]`)
	assert.Equal(t, "chatgpt_conversations_00.txt", nameWorkspaceFile(0, content))
}

func TestNameWorkspaceFileDetectsSpotifyExport(t *testing.T) {
	content := []byte(`{"spotify": {"tracks": []}}`)
	assert.Equal(t, "spotify_data_01.json", nameWorkspaceFile(1, content))
}

func TestNameWorkspaceFileDetectsLinkedInExport(t *testing.T) {
	content := []byte(`LinkedIn Profile Export`)
	assert.Equal(t, "linkedin_profile_02.json", nameWorkspaceFile(2, content))
}

func TestNameWorkspaceFileFallsBackToGenericName(t *testing.T) {
	content := []byte(`just some plain text`)
	assert.Equal(t, "user_data_03.txt", nameWorkspaceFile(3, content))
}

func TestSplitPayloadReturnsSingleFileForNonEmptyPayload(t *testing.T) {
	parts := splitPayload([]byte("hello"))
	assert.Equal(t, [][]byte{[]byte("hello")}, parts)
}

func TestSplitPayloadReturnsNilForEmptyPayload(t *testing.T) {
	assert.Nil(t, splitPayload(nil))
	assert.Nil(t, splitPayload([]byte{}))
}

func TestPrepareFilesNamesEachContentDistinctly(t *testing.T) {
	files := prepareFiles([][]byte{
		[]byte(`{"messages": []}`),
		[]byte(`plain`),
	})
	assert.Contains(t, files, "chatgpt_conversations_00.txt")
	assert.Contains(t, files, "user_data_01.txt")
}

func TestBuildPromptIncludesGoalFileListAndSentinel(t *testing.T) {
	prompt := buildPrompt("summarize my data", map[string][]byte{
		"user_data_00.txt": []byte("0123456789"),
	})

	assert.True(t, strings.Contains(prompt, "summarize my data"))
	assert.True(t, strings.Contains(prompt, "user_data_00.txt"))
	assert.True(t, strings.Contains(prompt, sandbox.Sentinel))
	assert.True(t, strings.Contains(prompt, `"status":"ok|error"`))
}
