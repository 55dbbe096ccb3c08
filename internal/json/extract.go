// Package json extracts and repairs JSON objects embedded in model output.
//
// Models wrap their decisions in prose, markdown fences, or stop mid-way.
// ExtractJSON finds a complete object; RepairStructured handles the rest.
package json

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON|json5)?\\s*\\n?(.*?)```")

// ExtractJSON returns the first complete, valid JSON object in response.
// It tries, in order: the whole response, each fenced code block, and
// every balanced {...} span found by a string-aware scan.
func ExtractJSON(response string) (string, error) {
	trimmed := strings.TrimSpace(response)
	if isObject(trimmed) {
		return trimmed, nil
	}

	for _, m := range fencedBlock.FindAllStringSubmatch(response, -1) {
		block := strings.TrimSpace(m[1])
		if isObject(block) {
			return block, nil
		}
		if obj, ok := firstBalancedObject(block); ok {
			return obj, nil
		}
	}

	if obj, ok := firstBalancedObject(response); ok {
		return obj, nil
	}

	preview := trimmed
	if n := 100; len(preview) > n {
		for n > 0 && !utf8.RuneStart(preview[n]) {
			n--
		}
		preview = preview[:n] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

// ExtractInto extracts the first JSON object from response into v.
func ExtractInto(response string, v any) error {
	obj, err := ExtractJSON(response)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// firstBalancedObject scans for '{' ... matching '}' pairs, ignoring braces
// inside strings, and returns the first span that parses.
func firstBalancedObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start != -1; {
		if end, ok := matchBrace(s, start); ok {
			if candidate := s[start : end+1]; json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
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

// stripMarkdownCodeBlocks removes a fence wrapping the whole response,
// including an unterminated opening fence left by truncation.
func stripMarkdownCodeBlocks(response string) string {
	trimmed := strings.TrimSpace(response)
	for _, prefix := range []string{"```json5", "```json", "```JSON", "```"} {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			break
		}
	}
	return strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
}
