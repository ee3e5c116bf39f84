package sandbox

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu   sync.Mutex
	logs map[string][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{logs: make(map[string][]string)}
}

func (f *fakeSink) AppendLogs(operationID string, lines ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[operationID] = append(f.logs[operationID], lines...)
	return true
}

func TestLogScannerStopsAfterSentinelTrailingWindow(t *testing.T) {
	sink := newFakeSink()
	s := newLogScanner(sink, "op-1", 0)

	var b strings.Builder
	b.WriteString("line one\n")
	b.WriteString("line two\n")
	b.WriteString(Sentinel + "\n")
	for i := 0; i < sentinelTrailingLines+10; i++ {
		b.WriteString("trailing\n")
	}

	s.scan(strings.NewReader(b.String()))

	require.True(t, s.sentinelSeen)
	// 2 lines before the sentinel + the sentinel line itself + the
	// trailing window, nothing past it.
	assert.Equal(t, 2+1+sentinelTrailingLines, len(s.lines))
}

func TestLogScannerBuffersAllLinesWhenNoSentinelSeen(t *testing.T) {
	sink := newFakeSink()
	s := newLogScanner(sink, "op-1", 0)

	s.scan(strings.NewReader("a\nb\nc\n"))

	assert.False(t, s.sentinelSeen)
	assert.Equal(t, []string{"a", "b", "c"}, s.lines)
}

func TestLogScannerRespectsStdoutCap(t *testing.T) {
	sink := newFakeSink()
	s := newLogScanner(sink, "op-1", 5)

	s.scan(strings.NewReader("aaaaa\nbbbbb\nccccc\n"))

	// Only the first line fits under a 5-byte cap; later lines are
	// dropped from the bounded buffer (but still forwarded to the sink).
	assert.Equal(t, []string{"aaaaa"}, s.lines)
	assert.Equal(t, []string{"aaaaa", "bbbbb", "ccccc"}, sink.logs["op-1"])
}

func TestParseResultPrefersMostCompleteCandidateAtNearestLine(t *testing.T) {
	lines := []string{
		`{"summary": "partial"}`,
		"some other stdout",
		`{"status": "ok", "summary": "done", "result": {"x": 1}}`,
	}

	obj, ok := parseResult(lines)
	require.True(t, ok)
	assert.Equal(t, "ok", obj["status"])
	assert.Equal(t, "done", obj["summary"])
}

func TestParseResultSkipsLinesWithNoResultFields(t *testing.T) {
	lines := []string{
		`{"unrelated": true}`,
		"plain text",
	}

	_, ok := parseResult(lines)
	assert.False(t, ok)
}

func TestParseResultIgnoresMalformedJSON(t *testing.T) {
	lines := []string{
		`{"status": "ok"`,
	}

	_, ok := parseResult(lines)
	assert.False(t, ok)
}

func TestStdoutExcerptCapsToMaxLines(t *testing.T) {
	lines := make([]string, 250)
	for i := range lines {
		lines[i] = "line"
	}

	excerpt := stdoutExcerpt(lines)
	assert.Equal(t, 200, strings.Count(excerpt, "\n")+1)
}
