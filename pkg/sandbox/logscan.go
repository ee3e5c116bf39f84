package sandbox

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// logScanner is a state machine over an agent's stdout lines: it
// buffers lines (up to stdoutCap bytes), watches for the completion
// sentinel, and once seen reads up to sentinelTrailingLines further
// lines before stopping, rather than regexing the whole buffer at
// once.
type logScanner struct {
	sink        LogSink
	operationID string
	stdoutCap   int64

	lines         []string
	bytesBuffered int64
	sentinelSeen  bool
	trailingLeft  int
}

const sentinelTrailingLines = 5

func newLogScanner(sink LogSink, operationID string, stdoutCap int64) *logScanner {
	return &logScanner{
		sink:         sink,
		operationID:  operationID,
		stdoutCap:    stdoutCap,
		trailingLeft: sentinelTrailingLines,
	}
}

// scan reads lines from r, appending each to the task store's log
// buffer (in small batches) and to the scanner's own bounded buffer,
// until the sentinel has been observed and its trailing window is
// exhausted, or r is closed.
func (s *logScanner) scan(r io.Reader) {
	reader := bufio.NewScanner(r)
	reader.Buffer(make([]byte, 64*1024), 1024*1024)

	const batchSize = 20
	var batch []string
	flush := func() {
		if len(batch) > 0 && s.sink != nil {
			s.sink.AppendLogs(s.operationID, batch...)
			batch = batch[:0]
		}
	}

	for reader.Scan() {
		line := reader.Text()
		batch = append(batch, line)
		if len(batch) >= batchSize {
			flush()
		}

		if s.stdoutCap <= 0 || s.bytesBuffered < s.stdoutCap {
			s.lines = append(s.lines, line)
			s.bytesBuffered += int64(len(line)) + 1
		}

		if s.sentinelSeen {
			s.trailingLeft--
			if s.trailingLeft <= 0 {
				break
			}
			continue
		}
		if strings.TrimSpace(line) == Sentinel {
			s.sentinelSeen = true
		}
	}
	flush()
}

// resultCandidate is a JSON result line matching the agent contract's
// shape: any of status/summary/result/artifacts present.
type resultCandidate struct {
	raw  map[string]any
	line string
}

func (c resultCandidate) completeness() int {
	n := 0
	for _, k := range []string{"status", "summary", "result", "artifacts"} {
		if _, ok := c.raw[k]; ok {
			n++
		}
	}
	return n
}

// parseResult scans buffered stdout bottom-up for the last line
// parseable as a JSON object carrying any agent-result field, preferring
// the most complete candidate among ties at the same scan position.
func parseResult(lines []string) (map[string]any, bool) {
	var best *resultCandidate
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line[0] != '{' {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		cand := resultCandidate{raw: obj, line: line}
		if cand.completeness() == 0 {
			continue
		}
		if best == nil || cand.completeness() > best.completeness() {
			best = &cand
		}
		// Bottom-up scan with a positive candidate at this line is
		// sufficient; the agent contract promises exactly one result
		// line, so stop at the first (nearest-to-sentinel) hit.
		break
	}
	if best == nil {
		return nil, false
	}
	return best.raw, true
}

// stdoutExcerpt joins the buffered lines for a human-facing excerpt,
// capped to a reasonable size independent of the full log ring.
func stdoutExcerpt(lines []string) string {
	const maxExcerptLines = 200
	if len(lines) > maxExcerptLines {
		lines = lines[len(lines)-maxExcerptLines:]
	}
	return strings.Join(lines, "\n")
}
