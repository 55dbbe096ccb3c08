package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonutil "github.com/richinex/theseus/internal/json"
	"github.com/richinex/theseus/model"
)

// ErrMalformedOutput means the model produced neither a final answer nor a
// valid tool call, even after repair.
var ErrMalformedOutput = errors.New("model output is neither a final answer nor a valid tool call")

// Decision is the JSON object the model answers with on every step.
type Decision struct {
	Thought     string  `json:"thought"`
	Action      *Action `json:"action,omitempty"`
	IsFinal     bool    `json:"is_final"`
	FinalAnswer *string `json:"final_answer,omitempty"`
}

// UnmarshalJSON accepts final_answer as a string or as any JSON value,
// which is pretty-printed.
func (d *Decision) UnmarshalJSON(data []byte) error {
	type alias Decision
	aux := &struct {
		FinalAnswer json.RawMessage `json:"final_answer,omitempty"`
		*alias
	}{alias: (*alias)(d)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	d.FinalAnswer = nil
	if len(aux.FinalAnswer) == 0 || string(aux.FinalAnswer) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(aux.FinalAnswer, &s); err == nil {
		d.FinalAnswer = &s
		return nil
	}
	var v any
	if err := json.Unmarshal(aux.FinalAnswer, &v); err == nil {
		if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
			s := string(pretty)
			d.FinalAnswer = &s
		}
	}
	return nil
}

// Action names a tool and its input.
type Action struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Args decodes the action input. Models sometimes send the input object
// as a JSON-encoded string; that string is unwrapped and repaired too.
func (a *Action) Args() (map[string]any, error) {
	raw := strings.TrimSpace(string(a.Input))
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}

	var encoded string
	if err := json.Unmarshal([]byte(raw), &encoded); err == nil {
		raw = strings.TrimSpace(encoded)
		if raw == "" {
			return map[string]any{}, nil
		}
		if obj, err := jsonutil.ExtractJSON(raw); err == nil {
			raw = obj
		} else if repaired, ok := jsonutil.RepairStructured(raw); ok {
			raw = repaired
		} else {
			return nil, fmt.Errorf("action input for %s is not an object", a.Tool)
		}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("action input for %s is not an object: %w", a.Tool, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ParseDecision reads a decision from raw model output. A well-formed
// outermost object is used as is. Anything else gets one repair attempt
// over the whole text before falling back to the first balanced object.
// The bool reports whether repair produced the decision.
func ParseDecision(text string) (Decision, bool, error) {
	obj, extractErr := jsonutil.ExtractJSON(text)
	outermost := extractErr == nil && strings.Index(text, obj) == strings.IndexByte(text, '{')

	var lastErr error
	if outermost {
		d, err := decodeDecision(obj)
		if err == nil {
			return d, false, nil
		}
		lastErr = err
	}

	if fixed, ok := jsonutil.RepairStructured(text); ok {
		d, err := decodeDecision(fixed)
		if err == nil {
			return d, true, nil
		}
		if lastErr == nil {
			lastErr = err
		}
	}

	if extractErr == nil && !outermost {
		d, err := decodeDecision(obj)
		if err == nil {
			return d, false, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}
	return Decision{}, false, lastErr
}

// decodeDecision unmarshals obj and checks it is either final or names a
// tool.
func decodeDecision(obj string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if d.FinalAnswer != nil && d.Action == nil {
		d.IsFinal = true
	}
	if d.IsFinal {
		if d.FinalAnswer == nil && strings.TrimSpace(d.Thought) == "" {
			return Decision{}, fmt.Errorf("%w: final decision without an answer", ErrMalformedOutput)
		}
		return d, nil
	}
	if d.Action == nil || strings.TrimSpace(d.Action.Tool) == "" {
		return Decision{}, fmt.Errorf("%w: no action and not final", ErrMalformedOutput)
	}
	return d, nil
}

// Answer returns the final answer, falling back to the thought.
func (d Decision) Answer() string {
	if d.FinalAnswer != nil {
		return *d.FinalAnswer
	}
	return d.Thought
}

// ToolCall converts the action into a model.ToolCall.
func (d Decision) ToolCall() (model.ToolCall, error) {
	if d.Action == nil {
		return model.ToolCall{}, errors.New("decision has no action")
	}
	args, err := d.Action.Args()
	if err != nil {
		return model.ToolCall{}, err
	}
	return model.ToolCall{Name: d.Action.Tool, Args: args}, nil
}

const protocolInstructions = `Respond with exactly one JSON object and nothing else:
{
  "thought": "your reasoning",
  "action": {"tool": "name", "input": {...}},
  "is_final": false,
  "final_answer": null
}

When the task is complete: is_final=true, action=null, and put the answer in final_answer.`

// RenderProtocol describes the available tools and the decision format.
func RenderProtocol(tools []ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString("Available Tools:\n")
	if len(tools) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, t := range tools {
		sb.WriteString(DescribeTool(t))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(protocolInstructions)
	return sb.String()
}

// DescribeTool renders one tool for the prompt.
func DescribeTool(t ToolDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\nDescription: %s\n", t.Name, t.Description)

	props, _ := t.Parameters["properties"].(map[string]any)
	if len(props) == 0 {
		return sb.String()
	}
	required := requiredSet(t.Parameters["required"])

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	sb.WriteString("Parameters:\n")
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		fmt.Fprintf(&sb, "  - %s (%s): %s", name, typ, desc)
		if required[name] {
			sb.WriteString(" [required]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func requiredSet(v any) map[string]bool {
	out := make(map[string]bool)
	switch req := v.(type) {
	case []string:
		for _, r := range req {
			out[r] = true
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}
