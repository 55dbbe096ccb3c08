package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/theseus/agent"
	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/config"
	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/orchestration"
	"github.com/richinex/theseus/risk"
	"github.com/richinex/theseus/storage"
	"github.com/richinex/theseus/tools"
)

type replayModel struct {
	mu      sync.Mutex
	replies []string
}

func (m *replayModel) Complete(ctx context.Context, req llm.Request, onDelta func(llm.StreamDelta)) (llm.Outcome, error) {
	m.mu.Lock()
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	m.mu.Unlock()

	if onDelta != nil {
		onDelta(llm.StreamDelta{Text: reply, Provider: "replay"})
	}
	decision, _, err := llm.ParseDecision(reply)
	out := llm.Outcome{Completion: llm.Completion{Text: reply, Provider: "replay"}}
	if err != nil {
		return out, err
	}
	out.Thought = decision.Thought
	if decision.IsFinal {
		out.IsFinal = true
		out.FinalAnswer = decision.Answer()
		return out, nil
	}
	call, err := decision.ToolCall()
	if err != nil {
		return out, err
	}
	out.ToolCall = &call
	return out, nil
}

// recordingExecutor remembers the arguments each call ran with.
type recordingExecutor struct {
	mu   sync.Mutex
	args []map[string]any
}

func (e *recordingExecutor) Execute(ctx context.Context, inv tools.Invocation) (tools.ExecResult, error) {
	e.mu.Lock()
	e.args = append(e.args, inv.Args)
	e.mu.Unlock()
	return tools.ExecResult{Content: "ran " + inv.Tool}, nil
}

func (e *recordingExecutor) calls() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]any(nil), e.args...)
}

func newService(t *testing.T, exec tools.Executor, replies ...string) *orchestration.Service {
	t.Helper()
	defs := make([]tools.Definition, 0, 7)
	for _, tool := range tools.LocalTools(tools.DefaultConfig()) {
		defs = append(defs, tool.Definition())
	}
	registry, err := tools.NewRegistry(defs...)
	require.NoError(t, err)

	bus := events.New(events.WithBufferSize(256))
	gate := approval.NewGate(bus)
	store := storage.NewInMemoryStorage()
	deps := agent.Deps{
		Model:       &replayModel{replies: replies},
		Dispatcher:  tools.NewDispatcher(registry, exec, tools.WithGate(gate), tools.WithPublisher(bus)),
		Memory:      store,
		Context:     storage.NewContextBuilder(store),
		Transcripts: store,
		Events:      bus,
	}
	svc, err := orchestration.NewService(deps, gate, bus, agent.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func final(answer string) string {
	return fmt.Sprintf(`{"thought":"done","is_final":true,"final_answer":%q}`, answer)
}

func call(tool, input string) string {
	return fmt.Sprintf(`{"thought":"act","action":{"tool":%q,"input":%s},"is_final":false}`, tool, input)
}

func TestRunTaskApproves(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newService(t, exec, call("run_command", `{"command":"go mod tidy"}`), final("dependencies tidied"))
	var out bytes.Buffer
	r := NewRunner(svc, strings.NewReader("y\n"), &out, Options{})

	res, err := r.RunTask(context.Background(), "s1", "tidy the module")
	require.NoError(t, err)
	assert.Equal(t, "dependencies tidied", res.Answer)
	require.Len(t, exec.calls(), 1)

	text := out.String()
	assert.Contains(t, text, "Approval required (medium risk)")
	assert.Contains(t, text, "→ run_command")
	assert.Contains(t, text, "dependencies tidied")
}

func TestRunTaskRejectsOnNo(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newService(t, exec, call("run_command", `{"command":"rm -rf build"}`), final("left it alone"))
	var out bytes.Buffer
	r := NewRunner(svc, strings.NewReader("maybe\nn\n"), &out, Options{})

	res, err := r.RunTask(context.Background(), "s1", "clean up")
	require.NoError(t, err)
	assert.Equal(t, "left it alone", res.Answer)
	assert.Empty(t, exec.calls())
	assert.Equal(t, 2, strings.Count(out.String(), "Approve? "))
	assert.Contains(t, out.String(), "rejected")
}

func TestRunTaskModifiesArguments(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newService(t, exec, call("run_command", `{"command":"rm -rf build"}`), final("removed dist only"))
	var out bytes.Buffer
	input := "m\nnot json\nm\n{\"command\":\"rm -rf build/dist\"}\n"
	r := NewRunner(svc, strings.NewReader(input), &out, Options{})

	_, err := r.RunTask(context.Background(), "s1", "clean up")
	require.NoError(t, err)
	require.Len(t, exec.calls(), 1)
	assert.Equal(t, "rm -rf build/dist", exec.calls()[0]["command"])
	assert.Contains(t, out.String(), "Invalid JSON")
}

func TestRunTaskRejectsOnEOF(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newService(t, exec, call("delete_file", `{"path":"src","recursive":true}`), final("kept"))
	r := NewRunner(svc, strings.NewReader(""), &bytes.Buffer{}, Options{})

	res, err := r.RunTask(context.Background(), "s1", "delete src")
	require.NoError(t, err)
	assert.Equal(t, "kept", res.Answer)
	assert.Empty(t, exec.calls())
}

func TestRunTaskAutoApproveVerbose(t *testing.T) {
	exec := &recordingExecutor{}
	svc := newService(t, exec, call("run_command", `{"command":"go mod tidy"}`), final("ok"))
	var out bytes.Buffer
	r := NewRunner(svc, strings.NewReader(""), &out, Options{AutoApprove: true, Verbose: true})

	_, err := r.RunTask(context.Background(), "s1", "tidy")
	require.NoError(t, err)
	require.Len(t, exec.calls(), 1)
	assert.Contains(t, out.String(), "Auto-approving run_command")
	assert.Contains(t, out.String(), "Thought: act")
	assert.Contains(t, out.String(), "Model calls: 2")
}

func TestRunTaskReportsFailure(t *testing.T) {
	svc := newService(t, &recordingExecutor{}, "not json at all")
	var out bytes.Buffer
	r := NewRunner(svc, strings.NewReader(""), &out, Options{})

	_, err := r.RunTask(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, agent.ErrTurnFailed)
	assert.Contains(t, out.String(), "Error: model output could not be parsed")
}

func TestChatRunsEachLine(t *testing.T) {
	svc := newService(t, &recordingExecutor{}, final("first"), final("second"))
	var out bytes.Buffer
	r := NewRunner(svc, strings.NewReader("hello\n\nagain\nexit\nignored\n"), &out, Options{})

	require.NoError(t, r.Chat(context.Background(), "chat"))
	assert.Contains(t, out.String(), "first")
	assert.Contains(t, out.String(), "second")

	snap, err := svc.Session("chat")
	require.NoError(t, err)
	var users int
	for _, step := range snap.History {
		if step.Kind == model.StepUserMessage {
			users++
		}
	}
	assert.Equal(t, 2, users)
}

func TestListTools(t *testing.T) {
	exec, err := tools.NewLocalExecutor(tools.DefaultConfig())
	require.NoError(t, err)
	registry, err := tools.NewRegistry(exec.Definitions()...)
	require.NoError(t, err)

	var out bytes.Buffer
	ListTools(&out, registry, true)
	assert.Contains(t, out.String(), "run_command (execute)")
	assert.Contains(t, out.String(), "command*: string")
}

func TestClassify(t *testing.T) {
	var out bytes.Buffer
	a, err := Classify(&out, risk.New(), "run_command", `{"command":"rm -rf /tmp/x"}`)
	require.NoError(t, err)
	assert.Equal(t, model.RiskHigh, a.Tier)
	assert.Contains(t, out.String(), "tier:   high")

	_, err = Classify(&out, risk.New(), "run_command", `{`)
	assert.Error(t, err)
}

func TestBuildWiresApp(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "")

	s := config.Default()
	s.LLM.Fallbacks = []string{"openai"}
	s.Memory.Driver = "memory"

	app, err := Build(context.Background(), s, nil)
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, 7, app.Tools.Len())
	assert.NotNil(t, app.Service)
	assert.Equal(t, s.ApprovalPolicy(), app.Gate.Policy())

	adapter, err := NewAdapter(s, "", 0, nil, nil)
	require.NoError(t, err)
	assert.Len(t, adapter.Providers(), 1, "fallback without a key is skipped")
}

func TestModelFactorySharesDefaultAdapter(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	s := config.Default()
	shared, err := NewAdapter(s, "", 0, nil, nil)
	require.NoError(t, err)

	factory := modelFactory(s, shared, nil, nil)
	m, err := factory(agent.Config{})
	require.NoError(t, err)
	assert.Same(t, shared, m)

	m, err = factory(agent.Config{Model: "claude-custom"})
	require.NoError(t, err)
	assert.NotSame(t, shared, m)
}

func TestNewAdapterRequiresPrimaryKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAdapter(config.Default(), "", 0, nil, nil)
	assert.Error(t, err)
}
