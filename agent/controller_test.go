package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/storage"
	"github.com/richinex/theseus/tools"
)

// scriptedModel replies from a queue and repeats the last reply once the
// queue runs out. A reply of the form "!error" fails the attempt.
type scriptedModel struct {
	name string

	mu       sync.Mutex
	replies  []string
	requests [][]llm.ChatMessage
	block    bool
}

func (m *scriptedModel) Name() string  { return m.name }
func (m *scriptedModel) Model() string { return m.name + "-model" }

func (m *scriptedModel) next(messages []llm.ChatMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, append([]llm.ChatMessage(nil), messages...))
	if len(m.replies) == 0 {
		return "!error"
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply
}

func (m *scriptedModel) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.Response, error) {
	reply := m.next(messages)
	if strings.HasPrefix(reply, "!") {
		return llm.Response{}, errors.New(reply[1:])
	}
	return llm.Response{Content: reply, Usage: &llm.TokenUsage{TotalTokens: 10}}, nil
}

func (m *scriptedModel) StreamChat(ctx context.Context, messages []llm.ChatMessage, chunks chan<- string) (*llm.TokenUsage, error) {
	reply := m.next(messages)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if strings.HasPrefix(reply, "!") {
		return nil, errors.New(reply[1:])
	}
	select {
	case chunks <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.TokenUsage{PromptTokens: 6, CompletionTokens: 4, TotalTokens: 10}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) []llm.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []tools.Invocation
	out   map[string]tools.ExecResult
	err   map[string]error
}

func (f *fakeExecutor) Execute(ctx context.Context, inv tools.Invocation) (tools.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	res, err := f.out[inv.Tool], f.err[inv.Tool]
	f.mu.Unlock()
	return res, err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	deps   Deps
	exec   *fakeExecutor
	gate   *approval.Gate
	bus    *events.Broadcaster
	memory *storage.InMemoryStorage
}

func newHarness(t *testing.T, providers ...llm.Provider) *harness {
	t.Helper()
	candidates := make([]llm.Candidate, 0, len(providers))
	for _, p := range providers {
		candidates = append(candidates, llm.Candidate{Provider: p})
	}
	adapter, err := llm.NewAdapter(candidates)
	require.NoError(t, err)

	defs := make([]tools.Definition, 0, 7)
	for _, tool := range tools.LocalTools(tools.DefaultConfig()) {
		defs = append(defs, tool.Definition())
	}
	registry, err := tools.NewRegistry(defs...)
	require.NoError(t, err)

	bus := events.New(events.WithBufferSize(256))
	gate := approval.NewGate(bus)
	exec := &fakeExecutor{out: map[string]tools.ExecResult{}, err: map[string]error{}}
	mem := storage.NewInMemoryStorage()

	return &harness{
		deps: Deps{
			Model:       adapter,
			Dispatcher:  tools.NewDispatcher(registry, exec, tools.WithGate(gate), tools.WithPublisher(bus)),
			Memory:      mem,
			Context:     storage.NewContextBuilder(mem),
			Transcripts: mem,
			Events:      bus,
		},
		exec:   exec,
		gate:   gate,
		bus:    bus,
		memory: mem,
	}
}

func (h *harness) controller(t *testing.T, id string, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(id, cfg, h.deps, nil)
	require.NoError(t, err)
	return c
}

func kinds(steps []model.Step) []model.StepKind {
	out := make([]model.StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func toolReply(tool, input string) string {
	return fmt.Sprintf(`{"thought":"use %s","action":{"tool":%q,"input":%s},"is_final":false}`, tool, tool, input)
}

func finalReply(answer string) string {
	return fmt.Sprintf(`{"thought":"done","is_final":true,"final_answer":%q}`, answer)
}

func TestRunLowRiskToolThenAnswer(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("list_files", `{"path":"."}`),
		finalReply("There are two files."),
	}}
	h := newHarness(t, provider)
	h.exec.out["list_files"] = tools.ExecResult{Content: "a.go\nb.go"}
	c := h.controller(t, "s1", DefaultConfig())

	sub := h.bus.Subscribe("s1")
	defer sub.Close()

	res, err := c.Run(context.Background(), "what files are here?")
	require.NoError(t, err)

	assert.Equal(t, "There are two files.", res.Answer)
	assert.Equal(t, 2, res.ModelCalls)
	assert.False(t, res.Forced)
	assert.Equal(t, uint32(20), res.Usage.TotalTokens)
	assert.Equal(t, []model.StepKind{
		model.StepUserMessage,
		model.StepThought,
		model.StepToolCall,
		model.StepObservation,
		model.StepThought,
		model.StepFinalAnswer,
	}, kinds(res.Steps))
	assert.Equal(t, "a.go\nb.go", res.Steps[3].Content)
	assert.True(t, res.Steps[3].Success)
	assert.Equal(t, model.StatusTerminated, c.Status())
	assert.Equal(t, 1, h.exec.count())

	var seen []events.Kind
	for len(sub.C) > 0 {
		ev := <-sub.C
		seen = append(seen, ev.Kind)
	}
	assert.NotContains(t, seen, events.KindApprovalRequested)
	assert.Contains(t, seen, events.KindToolExecution)
	assert.Contains(t, seen, events.KindFinalAnswer)
	assert.Contains(t, seen, events.KindToken)

	// The model saw the observation on its second call.
	second := provider.request(1)
	assert.Equal(t, "Observation: a.go\nb.go", second[len(second)-1].Content)
}

func TestRunRejectedDeleteStillAnswers(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("run_command", `{"command":"rm -rf build"}`),
		finalReply("I did not delete the build directory."),
	}}
	h := newHarness(t, provider)
	c := h.controller(t, "s1", DefaultConfig())

	go func() {
		var req model.ApprovalRequest
		if !assert.Eventually(t, func() bool {
			var ok bool
			req, ok = h.gate.Pending("s1")
			return ok
		}, 2*time.Second, 5*time.Millisecond) {
			return
		}
		assert.Equal(t, model.RiskHigh, req.RiskTier)
		assert.Equal(t, model.ApprovalFileDelete, req.Kind)
		assert.NoError(t, h.gate.Resolve(req.ID, model.DecisionReject, nil))
	}()

	res, err := c.Run(context.Background(), "clean up")
	require.NoError(t, err)

	assert.Equal(t, "I did not delete the build directory.", res.Answer)
	assert.Zero(t, h.exec.count())
	obs := res.Steps[3]
	require.Equal(t, model.StepObservation, obs.Kind)
	assert.False(t, obs.Success)
	assert.Equal(t, model.ErrApprovalRejected, obs.ErrorKind)
	assert.Contains(t, obs.Content, "Action not performed")
	assert.Equal(t, model.StatusTerminated, c.Status())
}

func TestRunRepairsTruncatedDecision(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		`{"thought":"easy","is_final":true,"final_answer":"all good"`,
	}}
	h := newHarness(t, provider)
	c := h.controller(t, "s1", DefaultConfig())

	res, err := c.Run(context.Background(), "status?")
	require.NoError(t, err)
	assert.Equal(t, "all good", res.Answer)
}

func TestRunRepromptsOnceAfterMalformedOutput(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		"I think I should look around first.",
		finalReply("Recovered."),
	}}
	h := newHarness(t, provider)
	c := h.controller(t, "s1", DefaultConfig())

	res, err := c.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", res.Answer)

	require.Equal(t, model.StepThought, res.Steps[1].Kind)
	assert.Equal(t, model.ErrMalformedOutput, res.Steps[1].ErrorKind)
	assert.Equal(t, "I think I should look around first.", res.Steps[1].Content)

	second := provider.request(1)
	assert.Equal(t, malformedNudge, second[len(second)-1].Content)
}

func TestRunFailsOnSecondMalformedOutput(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{"not json", "still not json"}}
	h := newHarness(t, provider)
	c := h.controller(t, "s1", DefaultConfig())

	sub := h.bus.Subscribe("s1")
	defer sub.Close()

	_, err := c.Run(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnFailed)
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
	assert.Equal(t, model.StatusFailed, c.Status())
	assert.Equal(t, 2, provider.calls())

	failed := false
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Kind == events.KindSessionFailed {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestRunFallsBackToSecondProvider(t *testing.T) {
	broken := &scriptedModel{name: "broken", replies: []string{"!connection refused"}}
	backup := &scriptedModel{name: "backup", replies: []string{finalReply("from backup")}}
	h := newHarness(t, broken, backup)
	c := h.controller(t, "s1", DefaultConfig())

	res, err := c.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "from backup", res.Answer)
	assert.Equal(t, 1, broken.calls())
	assert.Equal(t, 1, backup.calls())
}

func TestRunFailsWhenEveryProviderFails(t *testing.T) {
	a := &scriptedModel{name: "a", replies: []string{"!down"}}
	b := &scriptedModel{name: "b", replies: []string{"!also down"}}
	h := newHarness(t, a, b)
	c := h.controller(t, "s1", DefaultConfig())

	_, err := c.Run(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrAllProvidersFailed)

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "all model providers failed", failure.Reason)
	assert.Equal(t, model.StatusFailed, c.Status())
}

func TestCancelDuringApproval(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("run_command", `{"command":"rm -rf /tmp/x"}`),
	}}
	h := newHarness(t, provider)
	c := h.controller(t, "s1", DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "remove it")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return c.Status() == model.StatusAwaitingApproval
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Cancel())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after cancel")
	}
	assert.Equal(t, model.StatusTerminated, c.Status())
	assert.Zero(t, h.exec.count())
	_, pending := h.gate.Pending("s1")
	assert.False(t, pending)

	history := c.Snapshot().History
	last := history[len(history)-1]
	assert.Equal(t, model.StepObservation, last.Kind)
	assert.Equal(t, model.ErrCancelled, last.ErrorKind)
}

func TestCancelWhileIdle(t *testing.T) {
	h := newHarness(t, &scriptedModel{name: "primary"})
	c := h.controller(t, "s1", DefaultConfig())
	assert.False(t, c.Cancel())
	assert.Equal(t, model.StatusTerminated, c.Status())
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{finalReply("x")}, block: true}
	h := newHarness(t, provider)
	c := h.controller(t, "s1", DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "first")
		done <- err
	}()
	require.Eventually(t, c.Running, 2*time.Second, 5*time.Millisecond)

	_, err := c.Run(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	c.Close()
	assert.ErrorIs(t, <-done, ErrCancelled)
	_, err = c.Run(context.Background(), "third")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStepBudgetForcesAnswer(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("list_files", `{"path":"."}`),
		toolReply("list_files", `{"path":"src"}`),
		finalReply("Summary after two steps."),
	}}
	h := newHarness(t, provider)
	cfg := DefaultConfig()
	cfg.MaxSteps = 2
	c := h.controller(t, "s1", cfg)

	res, err := c.Run(context.Background(), "explore")
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, "Summary after two steps.", res.Answer)
	assert.Equal(t, 3, res.ModelCalls)
	assert.Equal(t, 2, h.exec.count())

	third := provider.request(2)
	assert.Equal(t, budgetNudge, third[len(third)-1].Content)
}

func TestStepBudgetSynthesizesWhenModelKeepsCallingTools(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("list_files", `{"path":"."}`),
	}}
	h := newHarness(t, provider)
	h.exec.out["list_files"] = tools.ExecResult{Content: "main.go"}
	cfg := DefaultConfig()
	cfg.MaxSteps = 1
	c := h.controller(t, "s1", cfg)

	res, err := c.Run(context.Background(), "explore")
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Contains(t, res.Answer, "Stopped after 1 steps")
	assert.Contains(t, res.Answer, "main.go")
	assert.Equal(t, model.StatusTerminated, c.Status())
}

func TestTokenBudgetForcesAnswer(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("list_files", `{"path":"."}`),
		finalReply("Out of tokens."),
	}}
	h := newHarness(t, provider)
	cfg := DefaultConfig()
	cfg.TokenBudget = 5
	c := h.controller(t, "s1", cfg)

	res, err := c.Run(context.Background(), "explore")
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, "Out of tokens.", res.Answer)
}

func TestTurnWritesMemory(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("write_file", `{"path":"notes.txt","content":"x"}`),
		finalReply("Could not write the file."),
	}}
	h := newHarness(t, provider)
	h.exec.err["write_file"] = errors.New("permission denied")
	cfg := DefaultConfig()
	cfg.ApprovalEnabled = false
	c := h.controller(t, "s1", cfg)

	_, err := c.Run(context.Background(), "save notes")
	require.NoError(t, err)

	ctx := context.Background()
	lessons, err := h.memory.Query(ctx, cfg.AgentID, storage.Filter{Category: storage.CategoryLesson}, 10)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Contains(t, lessons[0].Summary, "write_file failed")
	assert.Contains(t, lessons[0].Details, "permission denied")
	assert.Contains(t, lessons[0].Tags, "notes.txt")

	interactions, err := h.memory.Query(ctx, cfg.AgentID, storage.Filter{Category: storage.CategoryInteraction}, 10)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, "User asked: save notes", interactions[0].Summary)

	saved, err := h.memory.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, saved, len(c.Snapshot().History))

	// The next turn sees the lesson in its system prompt.
	provider.mu.Lock()
	provider.replies = []string{finalReply("ok")}
	provider.mu.Unlock()
	_, err = c.Run(ctx, "try notes.txt again")
	require.NoError(t, err)
	system := provider.request(provider.calls() - 1)[0].Content
	assert.Contains(t, system, "Lessons learned")
}

func TestSessionsAreIsolated(t *testing.T) {
	const sessions = 50
	h := newHarness(t, &scriptedModel{name: "unused"})

	var wg sync.WaitGroup
	results := make([]TurnResult, sessions)
	errs := make([]error, sessions)
	controllers := make([]*Controller, sessions)
	for i := range sessions {
		deps := h.deps
		adapter, err := llm.NewAdapter([]llm.Candidate{{Provider: &scriptedModel{
			name:    fmt.Sprintf("p%d", i),
			replies: []string{toolReply("list_files", `{"path":"."}`), finalReply(fmt.Sprintf("answer %d", i))},
		}}})
		require.NoError(t, err)
		deps.Model = adapter
		controllers[i], err = NewController(fmt.Sprintf("s%d", i), DefaultConfig(), deps, nil)
		require.NoError(t, err)
	}

	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = controllers[i].Run(context.Background(), fmt.Sprintf("question %d", i))
		}()
	}
	wg.Wait()

	for i := range sessions {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("answer %d", i), results[i].Answer)
		history := controllers[i].Snapshot().History
		require.Len(t, history, 6)
		assert.Equal(t, fmt.Sprintf("question %d", i), history[0].Content)
	}
	assert.Equal(t, sessions, h.exec.count())
}

func TestNewControllerValidates(t *testing.T) {
	h := newHarness(t, &scriptedModel{name: "primary"})

	_, err := NewController("", DefaultConfig(), h.deps, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.EnabledTools = []string{"teleport"}
	_, err = NewController("s1", cfg, h.deps, nil)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)

	cfg = DefaultConfig()
	cfg.Temperature = 3
	_, err = NewController("s1", cfg, h.deps, nil)
	assert.Error(t, err)
}

func TestDisabledToolIsReportedToModel(t *testing.T) {
	provider := &scriptedModel{name: "primary", replies: []string{
		toolReply("run_command", `{"command":"ls"}`),
		finalReply("I can only read files."),
	}}
	h := newHarness(t, provider)
	cfg := DefaultConfig()
	cfg.EnabledTools = []string{"read_file", "list_files"}
	c := h.controller(t, "s1", cfg)

	res, err := c.Run(context.Background(), "list with ls")
	require.NoError(t, err)
	assert.Equal(t, model.ErrToolNotAvailable, res.Steps[3].ErrorKind)
	assert.Zero(t, h.exec.count())

	system := provider.request(0)[0].Content
	assert.Contains(t, system, "read_file")
	assert.NotContains(t, system, "run_command")
}
