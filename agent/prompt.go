package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/storage"
	"github.com/richinex/theseus/tools"
)

const (
	malformedNudge = "Your previous reply could not be parsed. Respond with exactly one JSON object in the required format."
	budgetNudge    = "You have reached the step limit for this turn. Do not call any more tools. " +
		"Respond now with is_final=true and a final_answer that summarizes what was done and what remains."
)

// toolDefinitions converts registry definitions for the model protocol.
func toolDefinitions(r *tools.Registry) []llm.ToolDefinition {
	defs := r.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.JSONSchema(),
		})
	}
	return out
}

// systemPrompt composes the role, memory, and turn constraints.
func systemPrompt(cfg Config, mem storage.MemoryContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cfg.SystemPrompt))
	if cfg.WorkingDirectory != "" {
		fmt.Fprintf(&b, "\n\nWorking directory: %s", cfg.WorkingDirectory)
	}
	if !mem.Empty() {
		b.WriteString("\n\n")
		b.WriteString(mem.Render())
	}
	fmt.Fprintf(&b, "\n\nYou have at most %d steps for this turn.", cfg.MaxSteps)
	return b.String()
}

// window returns the trailing history the model sees. The window never
// starts on an observation, and the current turn's user message is kept
// even when older than the window.
func window(history []model.Step, size, turnStart int) []model.Step {
	if size <= 0 || len(history) <= size {
		return history
	}
	start := len(history) - size
	for start < len(history) && history[start].Kind == model.StepObservation {
		start++
	}
	if turnStart >= 0 && turnStart < start && history[turnStart].Kind == model.StepUserMessage {
		out := make([]model.Step, 0, len(history)-start+1)
		out = append(out, history[turnStart])
		return append(out, history[start:]...)
	}
	return history[start:]
}

// conversation renders steps as chat messages. A thought is folded into
// the assistant message of the decision that follows it.
func conversation(steps []model.Step) []llm.ChatMessage {
	var msgs []llm.ChatMessage
	pendingThought := ""
	flushThought := func() {
		if pendingThought != "" {
			msgs = append(msgs, llm.AssistantMessage(decisionJSON(map[string]any{
				"thought":  pendingThought,
				"is_final": false,
			})))
			pendingThought = ""
		}
	}

	for _, s := range steps {
		switch s.Kind {
		case model.StepUserMessage:
			flushThought()
			msgs = append(msgs, llm.UserMessage(s.Content))
		case model.StepThought:
			flushThought()
			if s.ErrorKind == model.ErrMalformedOutput {
				msgs = append(msgs, llm.AssistantMessage(s.Content), llm.UserMessage(malformedNudge))
				continue
			}
			pendingThought = s.Content
		case model.StepToolCall:
			msgs = append(msgs, llm.AssistantMessage(decisionJSON(map[string]any{
				"thought":  pendingThought,
				"action":   map[string]any{"tool": s.ToolName, "input": nonNil(s.ToolArgs)},
				"is_final": false,
			})))
			pendingThought = ""
		case model.StepObservation:
			flushThought()
			msgs = append(msgs, llm.UserMessage(observationText(s)))
		case model.StepFinalAnswer:
			msgs = append(msgs, llm.AssistantMessage(decisionJSON(map[string]any{
				"thought":      pendingThought,
				"is_final":     true,
				"final_answer": s.Content,
			})))
			pendingThought = ""
		}
	}
	flushThought()
	return msgs
}

func observationText(s model.Step) string {
	if s.Success {
		return "Observation: " + s.Content
	}
	return fmt.Sprintf("Observation (%s): %s", s.ErrorKind, s.Content)
}

func decisionJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func nonNil(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// preview shortens s to at most n bytes without splitting a rune.
func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
