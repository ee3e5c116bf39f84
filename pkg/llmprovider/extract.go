package llmprovider

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyObject describes a response whose only valid parse is an
// empty JSON object, which strict mode rejects. ExtractJSON does not
// return it: such a response is reported as ErrNoJSON.
var ErrEmptyObject = errors.New("json extraction: only an empty object was found")

// ErrNoJSON is returned when no candidate in the response parses as a
// JSON object under any of the extraction rules.
var ErrNoJSON = errors.New("json extraction: no JSON object found in response")

// ExtractJSON applies a sequence of extraction rules in order:
// (a) the whole response as JSON; (b) text inside markdown fences;
// (c) incremental brace scanning preferring non-empty objects; (d)
// minor repairs. An empty object is rejected under strict mode at
// every stage.
func ExtractJSON(response string) (map[string]any, error) {
	if obj, ok := tryParseObject(response); ok {
		return obj, nil
	}

	if fenced, ok := extractFenced(response); ok {
		if obj, ok := tryParseObject(fenced); ok {
			return obj, nil
		}
	}

	if obj, ok := scanBraces(response); ok {
		return obj, nil
	}

	if repaired := repair(response); repaired != response {
		if obj, ok := tryParseObject(repaired); ok {
			return obj, nil
		}
	}

	return nil, ErrNoJSON
}

// tryParseObject parses s as a single JSON object, rejecting empty
// objects under strict mode.
func tryParseObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	if len(obj) == 0 {
		return nil, false
	}
	return obj, true
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// extractFenced returns the contents of the first markdown code fence
// (```json ... ``` or ``` ... ```).
func extractFenced(s string) (string, bool) {
	m := fencePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// scanBraces incrementally scans s starting at each '{', tracking
// string/escape state, to find complete JSON objects; it prefers the
// first non-empty object found, scanning candidates in order of
// appearance.
func scanBraces(s string) (map[string]any, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end, ok := matchBrace(s, i)
		if !ok {
			continue
		}
		candidate := s[i : end+1]
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		if len(obj) == 0 {
			// strict mode: an empty object is not a valid result; keep
			// scanning for a later, non-empty candidate.
			continue
		}
		return obj, true
	}
	return nil, false
}

// matchBrace finds the index of the '{' at start's matching '}',
// respecting JSON string/escape state so that braces inside string
// literals don't confuse the scan.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// repair applies minor syntactic fixes: single to double quotes,
// trailing commas, and unquoted keys for a single common shape.
func repair(s string) string {
	s = strings.TrimSpace(s)
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	s = unquotedKeyPattern.ReplaceAllString(s, `$1"$2":`)
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return s
}

var (
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyPattern   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)
