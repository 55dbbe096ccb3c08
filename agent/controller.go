// Package agent drives one session through reason, act, and observe
// cycles.
//
// A Controller owns a session's history and status. Run appends the user
// message, asks the model for a decision, dispatches tool calls, records
// observations, and repeats until the model answers, the step budget
// forces an answer, the turn fails, or it is cancelled. The controller
// only yields while waiting on the model, on an approval decision, or on
// a tool; every step append happens between those points.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/internal/metrics"
	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/storage"
	"github.com/richinex/theseus/tools"
)

var (
	// ErrBusy is returned when a turn is already running on the session.
	ErrBusy = errors.New("session already has a turn in progress")
	// ErrClosed is returned for turns on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrCancelled is returned when a turn is cancelled.
	ErrCancelled = errors.New("turn cancelled")
	// ErrTurnFailed is matched by every FailureError.
	ErrTurnFailed = errors.New("turn failed")
)

// FailureError reports why a turn moved the session to Failed.
type FailureError struct {
	Reason string
	Err    error
}

func (e *FailureError) Error() string {
	return "turn failed: " + e.Reason
}

func (e *FailureError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTurnFailed}
	}
	return []error{ErrTurnFailed, e.Err}
}

// Model produces the next decision. *llm.Adapter implements it.
type Model interface {
	Complete(ctx context.Context, req llm.Request, onDelta func(llm.StreamDelta)) (llm.Outcome, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Model      Model
	Dispatcher *tools.Dispatcher

	// Memory receives interaction and lesson entries. Context reads them
	// back for prompts. Either may be nil.
	Memory  storage.MemoryStore
	Context *storage.ContextBuilder
	// Transcripts persists history after each turn when set.
	Transcripts storage.TranscriptStore

	Events  events.Publisher
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// TurnResult is what a completed turn produced.
type TurnResult struct {
	Answer     string
	Steps      []model.Step
	Usage      llm.TokenUsage
	ModelCalls int
	// Forced is set when the step or token budget cut the turn short.
	Forced bool
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID             string       `json:"id"`
	Config         Config       `json:"config"`
	Status         model.Status `json:"status"`
	History        []model.Step `json:"history"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	Closed         bool         `json:"closed"`
}

// Controller is the loop of one session.
type Controller struct {
	id      string
	cfg     Config
	deps    Deps
	enabled *tools.Registry
	toolDef []llm.ToolDefinition
	logger  *slog.Logger
	tracer  trace.Tracer

	mu           sync.Mutex
	status       model.Status
	history      []model.Step
	createdAt    time.Time
	lastActivity time.Time
	running      bool
	closed       bool
	cancel       context.CancelFunc
	cancelled    bool
}

// NewController creates the controller of session id. history seeds a
// rehydrated session and may be nil.
func NewController(id string, cfg Config, deps Deps, history []model.Step) (*Controller, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if deps.Model == nil {
		return nil, errors.New("a model is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("a tool dispatcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	cfg = cfg.withDefaults()

	enabled, err := deps.Dispatcher.Registry().Subset(cfg.EnabledTools)
	if err != nil {
		return nil, fmt.Errorf("enabled tools: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/richinex/theseus/agent")
	}

	now := time.Now()
	return &Controller{
		id:           id,
		cfg:          cfg,
		deps:         deps,
		enabled:      enabled,
		toolDef:      toolDefinitions(enabled),
		logger:       logger.With("component", "agent", "session_id", id),
		tracer:       tracer,
		status:       model.StatusIdle,
		history:      append([]model.Step(nil), history...),
		createdAt:    now,
		lastActivity: now,
	}, nil
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Config returns the session configuration.
func (c *Controller) Config() Config { return c.cfg }

// Status returns the current state.
func (c *Controller) Status() model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Running reports whether a turn is in flight.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastActivity returns when the session last changed.
func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Snapshot copies the session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:             c.id,
		Config:         c.cfg,
		Status:         c.status,
		History:        append([]model.Step(nil), c.history...),
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivity,
		Closed:         c.closed,
	}
}

// Cancel stops the running turn, rejecting any pending approval and
// aborting an in-flight tool. The session ends Terminated. It reports
// whether a turn was running.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if !c.running {
		prev := c.status
		c.status = model.StatusTerminated
		c.lastActivity = time.Now()
		c.mu.Unlock()
		if prev != model.StatusTerminated {
			c.publishStatus(prev, model.StatusTerminated)
		}
		return false
	}
	c.cancelled = true
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	return true
}

// Close cancels any running turn and refuses further turns.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Cancel()
}

// Run executes one turn for message. It returns the final answer, or
// ErrCancelled, a *FailureError, ErrBusy, or ErrClosed.
func (c *Controller) Run(ctx context.Context, message string) (TurnResult, error) {
	run, err := c.Start(ctx, message)
	if err != nil {
		return TurnResult{}, err
	}
	return run()
}

// Start claims the session for a turn and returns the function that runs
// it. The session is busy from the moment Start returns, so a second
// Start fails with ErrBusy even before the first turn begins. The
// returned function must be called exactly once.
func (c *Controller) Start(ctx context.Context, message string) (func() (TurnResult, error), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.running:
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancelled = false
	c.cancel = cancel
	return func() (TurnResult, error) { return c.run(ctx, cancel, message) }, nil
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, message string) (TurnResult, error) {
	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("agent.id", c.cfg.AgentID),
	))
	defer span.End()

	t := &turn{c: c, start: c.historyCount(), began: time.Now()}
	res, err := t.run(ctx, message)
	res.Steps = c.stepsSince(t.start)

	outcome := "answered"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("turn.outcome", outcome), attribute.Int("turn.model_calls", res.ModelCalls))
	c.deps.Metrics.TurnFinished(outcome)
	c.saveTranscript(ctx)

	c.logger.Info("turn finished",
		"outcome", outcome,
		"model_calls", res.ModelCalls,
		"steps", len(res.Steps),
		"forced", res.Forced,
		"duration", time.Since(t.began),
	)
	return res, err
}

func (c *Controller) historyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func (c *Controller) stepsSince(start int) []model.Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start > len(c.history) {
		return nil
	}
	return append([]model.Step(nil), c.history[start:]...)
}

func (c *Controller) wasCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// append records a step and announces it.
func (c *Controller) append(step model.Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.history = append(c.history, step)
	c.lastActivity = step.Timestamp
	c.mu.Unlock()

	c.deps.Metrics.StepAppended(string(step.Kind))
	if c.deps.Events == nil {
		return
	}
	data := map[string]any{"content": step.Content}
	var kind events.Kind
	switch step.Kind {
	case model.StepUserMessage:
		kind = events.KindUserMessage
	case model.StepThought:
		kind = events.KindThought
		if step.ErrorKind != "" {
			data["error_kind"] = string(step.ErrorKind)
		}
	case model.StepToolCall:
		kind = events.KindToolCall
		data["tool"] = step.ToolName
		data["args"] = step.ToolArgs
	case model.StepObservation:
		kind = events.KindObservation
		data["tool"] = step.ToolName
		data["success"] = step.Success
		if step.ErrorKind != "" {
			data["error_kind"] = string(step.ErrorKind)
		}
	case model.StepFinalAnswer:
		kind = events.KindFinalAnswer
	}
	c.deps.Events.Publish(c.id, kind, data)
}

func (c *Controller) setStatus(s model.Status) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.lastActivity = time.Now()
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("status changed", "from", prev, "to", s)
		c.publishStatus(prev, s)
	}
}

func (c *Controller) publishStatus(prev, next model.Status) {
	if c.deps.Events != nil {
		c.deps.Events.Publish(c.id, events.KindStatus, map[string]any{
			"status":   string(next),
			"previous": string(prev),
		})
	}
}

func (c *Controller) onDelta(d llm.StreamDelta) {
	if c.deps.Events == nil || d.Done || (d.Text == "" && !d.Reset) {
		return
	}
	c.deps.Events.Publish(c.id, events.KindToken, map[string]any{
		"text":     d.Text,
		"provider": d.Provider,
		"reset":    d.Reset,
	})
}

func (c *Controller) saveTranscript(ctx context.Context) {
	if c.deps.Transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	steps := append([]model.Step(nil), c.history...)
	c.mu.Unlock()
	if err := c.deps.Transcripts.Save(ctx, c.id, steps); err != nil {
		c.logger.Warn("transcript save failed", "error", err)
	}
}

// turn holds the per-turn counters.
type turn struct {
	c          *Controller
	start      int
	began      time.Time
	message    string
	memory     storage.MemoryContext
	usage      llm.TokenUsage
	modelCalls int
	toolsUsed  []string
}

func (t *turn) run(ctx context.Context, message string) (TurnResult, error) {
	c := t.c
	t.message = message

	c.append(model.Step{Kind: model.StepUserMessage, Content: message})
	c.setStatus(model.StatusReasoning)
	if c.cfg.MemoryEnabled {
		t.memory = c.deps.Context.Build(ctx, c.cfg.AgentID, c.id, message)
	}

	malformed := 0
	for {
		if ctx.Err() != nil {
			return t.result(), t.terminate(ctx)
		}
		if t.modelCalls >= c.cfg.MaxSteps || t.overBudget() {
			return t.force(ctx)
		}

		c.setStatus(model.StatusReasoning)
		out, err := t.complete(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				return t.result(), t.terminate(ctx)
			}
			if errors.Is(err, llm.ErrMalformedOutput) {
				malformed++
				c.append(model.Step{Kind: model.StepThought, Content: out.Text, ErrorKind: model.ErrMalformedOutput})
				if malformed >= 2 {
					return t.result(), t.fail("model output could not be parsed twice in a row", err)
				}
				c.logger.Warn("malformed model output, re-prompting", "error", err)
				continue
			}
			return t.result(), t.fail("all model providers failed", err)
		}
		malformed = 0

		if out.Thought != "" {
			c.append(model.Step{Kind: model.StepThought, Content: out.Thought})
		}
		if out.IsFinal {
			return t.respond(ctx, out.FinalAnswer, false)
		}

		t.execute(ctx, *out.ToolCall)
	}
}

func (t *turn) complete(ctx context.Context, forced bool) (llm.Outcome, error) {
	c := t.c
	c.mu.Lock()
	steps := window(c.history, c.cfg.HistoryWindow, t.start)
	c.mu.Unlock()

	msgs := conversation(steps)
	if forced {
		msgs = append(msgs, llm.UserMessage(budgetNudge))
	}
	t.modelCalls++
	out, err := c.deps.Model.Complete(ctx, llm.Request{
		System:   systemPrompt(c.cfg, t.memory),
		Messages: msgs,
		Tools:    c.toolDef,
	}, c.onDelta)
	t.usage.Add(&out.Usage)
	if out.Repaired {
		c.logger.Debug("model output repaired", "provider", out.Provider)
	}
	return out, err
}

// execute dispatches a tool call and records its observation. The call
// and observation are appended back to back.
func (t *turn) execute(ctx context.Context, call model.ToolCall) {
	c := t.c
	c.append(model.Step{Kind: model.StepToolCall, ToolName: call.Name, ToolArgs: call.Args, Content: model.ArgsJSON(call.Args)})
	c.setStatus(model.StatusExecutingTool)

	res := c.deps.Dispatcher.Dispatch(ctx, tools.Call{
		SessionID:        c.id,
		Tool:             call.Name,
		Args:             call.Args,
		Enabled:          c.enabled,
		WorkingDirectory: c.cfg.WorkingDirectory,
		Timeout:          c.cfg.ToolTimeout,
		RequireApproval:  c.cfg.ApprovalEnabled,
		Threshold:        c.cfg.ApprovalThreshold,
		OnAwaitingApproval: func(model.ApprovalRequest) {
			c.setStatus(model.StatusAwaitingApproval)
		},
		OnExecuting: func() {
			c.setStatus(model.StatusExecutingTool)
		},
	})

	obs := res.Observation
	c.append(model.Step{
		Kind:      model.StepObservation,
		Content:   obs.Content,
		ToolName:  call.Name,
		ToolArgs:  res.Args,
		Success:   obs.Success,
		ErrorKind: obs.ErrorKind,
	})
	if obs.Executed() {
		t.toolsUsed = append(t.toolsUsed, call.Name)
	}
	if !obs.Success && obs.Executed() && obs.ErrorKind != model.ErrCancelled && res.Definition.Significant() {
		t.rememberLesson(ctx, call.Name, res.Args, obs)
	}
}

func (t *turn) overBudget() bool {
	budget := t.c.cfg.TokenBudget
	return budget > 0 && t.usage.TotalTokens >= budget
}

// force asks for a final answer once the budget is spent. If the model
// still does not answer, a summary is synthesized from the history.
func (t *turn) force(ctx context.Context) (TurnResult, error) {
	c := t.c
	c.logger.Info("step budget exhausted, forcing final answer", "model_calls", t.modelCalls, "max_steps", c.cfg.MaxSteps)
	c.setStatus(model.StatusReasoning)

	out, err := t.complete(ctx, true)
	switch {
	case err == nil && out.IsFinal:
		if out.Thought != "" {
			c.append(model.Step{Kind: model.StepThought, Content: out.Thought})
		}
		return t.respond(ctx, out.FinalAnswer, true)
	case ctx.Err() != nil:
		return t.result(), t.terminate(ctx)
	case err != nil && !errors.Is(err, llm.ErrMalformedOutput):
		return t.result(), t.fail("all model providers failed", err)
	}
	return t.respond(ctx, t.synthesize(), true)
}

func (t *turn) synthesize() string {
	c := t.c
	steps := c.stepsSince(t.start)
	var b strings.Builder
	fmt.Fprintf(&b, "Stopped after %d steps without reaching a final answer.", t.modelCalls)
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Kind == model.StepObservation {
			fmt.Fprintf(&b, " Last observation from %s: %s", steps[i].ToolName, preview(steps[i].Content, 300))
			break
		}
	}
	return b.String()
}

func (t *turn) respond(ctx context.Context, answer string, forced bool) (TurnResult, error) {
	c := t.c
	c.setStatus(model.StatusResponding)
	c.append(model.Step{Kind: model.StepFinalAnswer, Content: answer})
	t.rememberInteraction(ctx, answer)
	c.setStatus(model.StatusTerminated)

	res := t.result()
	res.Answer = answer
	res.Forced = forced
	return res, nil
}

func (t *turn) terminate(ctx context.Context) error {
	c := t.c
	c.setStatus(model.StatusTerminated)
	if c.wasCancelled() {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
}

func (t *turn) fail(reason string, err error) error {
	c := t.c
	c.setStatus(model.StatusFailed)
	if c.deps.Events != nil {
		data := map[string]any{"reason": reason}
		if err != nil {
			data["error"] = err.Error()
		}
		c.deps.Events.Publish(c.id, events.KindSessionFailed, data)
	}
	c.logger.Warn("turn failed", "reason", reason, "error", err)
	return &FailureError{Reason: reason, Err: err}
}

func (t *turn) result() TurnResult {
	return TurnResult{Usage: t.usage, ModelCalls: t.modelCalls}
}
