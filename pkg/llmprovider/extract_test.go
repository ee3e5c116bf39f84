package llmprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONWholeResponse(t *testing.T) {
	obj, err := ExtractJSON(`{"answer": 42}`)
	require.NoError(t, err)
	assert.Equal(t, float64(42), obj["answer"])
}

func TestExtractJSONMarkdownFenced(t *testing.T) {
	response := "Here is the result:\n```json\n{\"ok\": true}\n```\nThanks."
	obj, err := ExtractJSON(response)
	require.NoError(t, err)
	assert.Equal(t, true, obj["ok"])
}

func TestExtractJSONPlainFence(t *testing.T) {
	response := "```\n{\"value\": \"x\"}\n```"
	obj, err := ExtractJSON(response)
	require.NoError(t, err)
	assert.Equal(t, "x", obj["value"])
}

func TestExtractJSONBraceScanPrefersNonEmptyObject(t *testing.T) {
	response := `noise {} more noise {"real": 1} trailing`
	obj, err := ExtractJSON(response)
	require.NoError(t, err)
	assert.Equal(t, float64(1), obj["real"])
}

func TestExtractJSONBraceScanHandlesNestedAndStringBraces(t *testing.T) {
	response := `prefix {"outer": {"inner": "a } b"}} suffix`
	obj, err := ExtractJSON(response)
	require.NoError(t, err)
	inner, ok := obj["outer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a } b", inner["inner"])
}

func TestExtractJSONRepairsTrailingComma(t *testing.T) {
	response := `{"a": 1, "b": 2,}`
	obj, err := ExtractJSON(response)
	require.NoError(t, err)
	assert.Equal(t, float64(1), obj["a"])
	assert.Equal(t, float64(2), obj["b"])
}

func TestExtractJSONRepairsSingleQuotes(t *testing.T) {
	response := `{'a': 'hello'}`
	obj, err := ExtractJSON(response)
	require.NoError(t, err)
	assert.Equal(t, "hello", obj["a"])
}

func TestExtractJSONRejectsEmptyObjectEverywhere(t *testing.T) {
	_, err := ExtractJSON(`{}`)
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ExtractJSON("```json\n{}\n```")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractJSONNoCandidateReturnsErrNoJSON(t *testing.T) {
	_, err := ExtractJSON("this is just prose, no braces at all")
	assert.ErrorIs(t, err, ErrNoJSON)
}
