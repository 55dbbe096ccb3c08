package json

import (
	"bytes"
	"encoding/json"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// RepairStructured makes one best-effort attempt to turn near-JSON model
// output into a valid JSON object. It returns compact JSON and true on
// success.
//
// Strategy, in order:
//  1. strip markdown fences and leading prose, accept if already valid
//  2. parse leniently as JSON5 (single quotes, trailing commas, comments)
//  3. close what truncation left open: an unterminated string, a partial
//     literal, a dangling key or colon or comma, then missing brackets
//
// The strategy is isolated here so callers only see (text, ok).
func RepairStructured(text string) (string, bool) {
	s := stripMarkdownCodeBlocks(text)
	start := strings.IndexAny(s, "{")
	if start == -1 {
		return "", false
	}
	s = s[start:]

	if out, ok := compactObject(s); ok {
		return out, true
	}
	if end := strings.LastIndex(s, "}"); end != -1 {
		if out, ok := compactObject(s[:end+1]); ok {
			return out, true
		}
		if out, ok := fromJSON5(s[:end+1]); ok {
			return out, true
		}
	}
	if out, ok := fromJSON5(s); ok {
		return out, true
	}

	closed := closeTruncated(s)
	if out, ok := compactObject(closed); ok {
		return out, true
	}
	return fromJSON5(closed)
}

func compactObject(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !json.Valid([]byte(s)) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", false
	}
	return buf.String(), true
}

func fromJSON5(s string) (string, bool) {
	var v map[string]any
	if err := json5.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return "", false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// Container states while scanning.
const (
	expectStart = iota // after '{', '[' or ','
	afterKey           // object key read, colon missing
	afterColon         // value missing
	afterValue
)

type frame struct {
	closer byte
	state  int
}

// closeTruncated appends whatever is needed to balance s.
func closeTruncated(s string) string {
	var (
		stack    []frame
		inString bool
		escaped  bool
		scalar   strings.Builder
	)

	markValue := func() {
		if n := len(stack); n > 0 {
			stack[n-1].state = afterValue
		}
	}
	endString := func() {
		n := len(stack)
		if n > 0 && stack[n-1].closer == '}' && stack[n-1].state == expectStart {
			stack[n-1].state = afterKey
			return
		}
		markValue()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				endString()
			}
			continue
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' && strings.IndexByte(`{}[]":,`, c) == -1 {
			scalar.WriteByte(c)
			markValue()
			continue
		}
		scalar.Reset()
		switch c {
		case '"':
			inString = true
		case '{':
			markValue()
			stack = append(stack, frame{closer: '}'})
		case '[':
			markValue()
			stack = append(stack, frame{closer: ']'})
		case '}', ']':
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
			markValue()
		case ':':
			if n := len(stack); n > 0 {
				stack[n-1].state = afterColon
			}
		case ',':
			if n := len(stack); n > 0 {
				stack[n-1].state = expectStart
			}
		}
	}

	out := s
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
		endString()
	} else if partial := scalar.String(); partial != "" {
		out += completeLiteral(partial)
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out = strings.TrimRight(out, " \t\r\n")
		switch stack[i].state {
		case expectStart:
			out = strings.TrimSuffix(out, ",")
		case afterKey:
			out += ":null"
		case afterColon:
			out += "null"
		}
		out += string(stack[i].closer)
	}
	return out
}

// completeLiteral finishes a truncated true/false/null.
func completeLiteral(partial string) string {
	for _, lit := range []string{"true", "false", "null"} {
		if strings.HasPrefix(lit, partial) {
			return lit[len(partial):]
		}
	}
	return ""
}
