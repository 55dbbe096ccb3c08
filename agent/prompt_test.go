package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/storage"
)

func step(kind model.StepKind, content string) model.Step {
	return model.Step{Kind: kind, Content: content}
}

func TestWindowSkipsLeadingObservation(t *testing.T) {
	history := []model.Step{
		step(model.StepUserMessage, "q"),
		step(model.StepToolCall, "call"),
		step(model.StepObservation, "obs"),
		step(model.StepThought, "t"),
		step(model.StepFinalAnswer, "a"),
	}
	got := window(history, 3, -1)
	assert.Equal(t, []model.StepKind{model.StepThought, model.StepFinalAnswer}, kinds(got))
}

func TestWindowPinsTurnMessage(t *testing.T) {
	history := []model.Step{
		step(model.StepUserMessage, "old"),
		step(model.StepFinalAnswer, "old answer"),
		step(model.StepUserMessage, "current"),
		step(model.StepToolCall, "c1"),
		step(model.StepObservation, "o1"),
		step(model.StepToolCall, "c2"),
		step(model.StepObservation, "o2"),
	}
	got := window(history, 2, 2)
	require.Len(t, got, 3)
	assert.Equal(t, "current", got[0].Content)
	assert.Equal(t, "c2", got[1].Content)
}

func TestWindowShortHistoryUnchanged(t *testing.T) {
	history := []model.Step{step(model.StepUserMessage, "q")}
	assert.Equal(t, history, window(history, 10, 0))
}

func TestConversationFoldsThoughtIntoDecision(t *testing.T) {
	steps := []model.Step{
		step(model.StepUserMessage, "list"),
		step(model.StepThought, "look first"),
		{Kind: model.StepToolCall, ToolName: "list_files", ToolArgs: map[string]any{"path": "."}},
		{Kind: model.StepObservation, Content: "no such dir", Success: false, ErrorKind: model.ErrToolExecution},
		step(model.StepFinalAnswer, "empty"),
	}
	msgs := conversation(steps)
	require.Len(t, msgs, 4)

	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)

	var decision map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Content), &decision))
	assert.Equal(t, "look first", decision["thought"])
	assert.Equal(t, "list_files", decision["action"].(map[string]any)["tool"])

	assert.Equal(t, "Observation (tool_execution_error): no such dir", msgs[2].Content)
	assert.Contains(t, msgs[3].Content, `"final_answer":"empty"`)
}

func TestConversationReplaysMalformedOutput(t *testing.T) {
	steps := []model.Step{
		step(model.StepUserMessage, "hi"),
		{Kind: model.StepThought, Content: "garbage", ErrorKind: model.ErrMalformedOutput},
	}
	msgs := conversation(steps)
	require.Len(t, msgs, 3)
	assert.Equal(t, "garbage", msgs[1].Content)
	assert.Equal(t, malformedNudge, msgs[2].Content)
}

func TestSystemPromptIncludesMemoryAndLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingDirectory = "/srv/app"
	mem := storage.MemoryContext{
		Summary:         "1 relevant memories",
		RelevantLessons: []storage.MemoryEntry{{Summary: "go test needs -race"}},
		TotalMemories:   1,
	}
	got := systemPrompt(cfg, mem)
	assert.Contains(t, got, DefaultSystemPrompt)
	assert.Contains(t, got, "Working directory: /srv/app")
	assert.Contains(t, got, "go test needs -race")
	assert.Contains(t, got, "at most 12 steps")

	assert.NotContains(t, systemPrompt(cfg, storage.MemoryContext{}), "MEMORY CONTEXT")
}

func TestConfigValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = -1
	cfg.Temperature = 5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_steps")
	assert.Contains(t, err.Error(), "temperature")
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10) // two bytes each
	got := preview(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé...", got)
	assert.Equal(t, "short", preview("  short  ", 10))
}

func TestOverridesApplyOnlySetFields(t *testing.T) {
	base := DefaultConfig()
	off := false
	low := model.RiskLow
	name := "gpt-4o"

	got := Overrides{Model: &name}.Apply(base)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.True(t, got.ApprovalEnabled)
	assert.True(t, got.MemoryEnabled)
	assert.Equal(t, model.RiskMedium, got.ApprovalThreshold)

	got = Overrides{ApprovalEnabled: &off, ApprovalThreshold: &low, EnabledTools: []string{"git"}}.Apply(base)
	assert.False(t, got.ApprovalEnabled)
	assert.Equal(t, model.RiskLow, got.ApprovalThreshold)
	assert.Equal(t, []string{"git"}, got.EnabledTools)
	assert.Equal(t, base.MaxSteps, got.MaxSteps)
}

func TestOverridesDecodeFromPartialJSON(t *testing.T) {
	var o Overrides
	require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4o","approval_threshold":"high"}`), &o))
	got := o.Apply(DefaultConfig())
	assert.Equal(t, model.RiskHigh, got.ApprovalThreshold)
	assert.True(t, got.ApprovalEnabled)
}
