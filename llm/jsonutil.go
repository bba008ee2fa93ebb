package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaxExtractInput bounds the text the extractor will scan. Larger replies are
// rejected outright rather than scanned.
const MaxExtractInput = 256 << 10

var (
	// fencedBlockPattern matches the first fenced code block, with or without a
	// language tag: ```json ... ``` or ``` ... ```
	fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \\t]*\\r?\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractObject finds a JSON object embedded in free-form agent text.
//
// Strategies are tried in order and the first that yields an object wins:
// the whole trimmed text, the first fenced code block, then the substring
// from the first '{' to the last '}'. Each candidate is parsed as-is and then
// again after stripping // comments and trailing commas.
//
// The boolean is false when nothing parses or the input exceeds
// MaxExtractInput. Absence of JSON is not an error.
func ExtractObject(text string) (map[string]any, bool) {
	_, obj, ok := extract(text)
	return obj, ok
}

// ExtractInto decodes the object found by ExtractObject into v.
func ExtractInto(text string, v any) bool {
	raw, _, ok := extract(text)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

// ExtractJSON returns the parseable JSON object text found by ExtractObject,
// or "" when there is none.
func ExtractJSON(text string) string {
	raw, _, ok := extract(text)
	if !ok {
		return ""
	}
	return raw
}

func extract(text string) (string, map[string]any, bool) {
	if len(text) > MaxExtractInput {
		return "", nil, false
	}
	for _, candidate := range candidates(text) {
		if raw, obj, ok := parseObject(candidate); ok {
			return raw, obj, true
		}
	}
	return "", nil, false
}

// candidates returns the strategy outputs in priority order. Empty
// strategies are skipped.
func candidates(text string) []string {
	out := make([]string, 0, 3)
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		out = append(out, trimmed)
	}
	if m := fencedBlockPattern.FindStringSubmatch(text); len(m) > 1 {
		if block := strings.TrimSpace(m[1]); block != "" {
			out = append(out, block)
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		out = append(out, text[start:end+1])
	}
	return out
}

func parseObject(candidate string) (string, map[string]any, bool) {
	if !strings.HasPrefix(strings.TrimSpace(candidate), "{") {
		return "", nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil && obj != nil {
		return candidate, obj, true
	}
	cleaned := cleanJSON(candidate)
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return cleaned, obj, true
	}
	return "", nil, false
}

// cleanJSON removes JavaScript-style comments and trailing commas from JSON.
// Agents commonly produce these invalid JSON artifacts.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
// For example:
//
//	"path/to/file.js",          // This is a comment  → "path/to/file.js",
//	"url": "http://example.com" // comment             → "url": "http://example.com"
//	"url": "http://example.com"                        → "url": "http://example.com" (no change)
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
