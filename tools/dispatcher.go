package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/internal/metrics"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/risk"
)

// DefaultToolTimeout bounds a call when neither the call nor the
// dispatcher sets one.
const DefaultToolTimeout = 2 * time.Minute

// Call is one tool request from a session.
type Call struct {
	SessionID string
	Tool      string
	Args      map[string]any

	// Enabled is the session's tool set. Nil means every registered tool.
	Enabled *Registry

	WorkingDirectory string
	Timeout          time.Duration

	// RequireApproval gates calls at or above Threshold.
	RequireApproval bool
	Threshold       model.RiskTier

	// OnAwaitingApproval runs once the approval request is pending, with
	// the gate locked; it must not call the gate synchronously.
	OnAwaitingApproval func(model.ApprovalRequest)
	// OnExecuting runs right before the executor is invoked.
	OnExecuting func()
}

// Result is the outcome of a dispatch.
type Result struct {
	Observation model.Observation
	// Args are the arguments the tool ran with, which differ from the
	// call's when a reviewer modified them.
	Args       map[string]any
	Assessment risk.Assessment
	Approval   *model.ApprovalRequest
	Definition Definition
	Duration   time.Duration
}

// Dispatcher validates, authorizes, and executes tool calls.
type Dispatcher struct {
	registry   *Registry
	executor   Executor
	classifier *risk.Classifier
	gate       *approval.Gate
	publisher  events.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	timeout    time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClassifier sets the risk classifier.
func WithClassifier(c *risk.Classifier) DispatcherOption {
	return func(d *Dispatcher) { d.classifier = c }
}

// WithGate sets the approval gate. Without one, gated calls run unasked.
func WithGate(g *approval.Gate) DispatcherOption {
	return func(d *Dispatcher) { d.gate = g }
}

// WithPublisher sets where tool_execution events go.
func WithPublisher(p events.Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDefaultTimeout sets the per-invocation timeout for calls without one.
func WithDefaultTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher over a registry and executor.
func NewDispatcher(registry *Registry, executor Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		executor:   executor,
		classifier: risk.New(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/richinex/theseus/tools"),
		timeout:    DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Registry returns the full tool registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Classifier returns the risk classifier.
func (d *Dispatcher) Classifier() *risk.Classifier {
	return d.classifier
}

// Dispatch runs one call and always returns an observation. Tool failures,
// refusals, and cancellation are reported through it, never as errors.
// The executor is invoked at most once and never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(
		attribute.String("session.id", call.SessionID),
		attribute.String("tool.name", call.Tool),
	))
	defer span.End()

	res := d.dispatch(ctx, call)
	res.Duration = time.Since(start)

	outcome := "success"
	if !res.Observation.Success {
		outcome = string(res.Observation.ErrorKind)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(
		attribute.String("risk.tier", res.Assessment.Tier.String()),
		attribute.Bool("tool.success", res.Observation.Success),
	)
	d.metrics.ToolExecuted(call.Tool, outcome, res.Duration)

	if d.publisher != nil {
		data := map[string]any{
			"tool":        call.Tool,
			"success":     res.Observation.Success,
			"executed":    res.Observation.Executed(),
			"risk_tier":   res.Assessment.Tier.String(),
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.Observation.ErrorKind != "" {
			data["error_kind"] = string(res.Observation.ErrorKind)
		}
		d.publisher.Publish(call.SessionID, events.KindToolExecution, data)
	}
	d.logger.Debug("tool dispatched",
		"session_id", call.SessionID,
		"tool", call.Tool,
		"outcome", outcome,
		"duration", res.Duration,
	)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call) Result {
	res := Result{Args: call.Args}

	enabled := call.Enabled
	if enabled == nil {
		enabled = d.registry
	}
	def, ok := enabled.Lookup(call.Tool)
	if !ok {
		available := strings.Join(enabled.Names(), ", ")
		if available == "" {
			available = "(none)"
		}
		msg := fmt.Sprintf("Tool '%s' is not available.", call.Tool)
		if near := enabled.Suggest(call.Tool); len(near) > 0 {
			msg += fmt.Sprintf(" Did you mean %s?", strings.Join(near, " or "))
		}
		res.Observation = failure(model.ErrToolNotAvailable, msg+" Available tools: "+available)
		return res
	}
	res.Definition = def

	if err := enabled.Validate(call.Tool, call.Args); err != nil {
		res.Observation = failure(model.ErrInvalidArguments, err.Error())
		return res
	}

	res.Assessment = d.classifier.Assess(call.Tool, call.Args)

	if call.RequireApproval && d.gate != nil && res.Assessment.Tier >= call.Threshold {
		req, err := d.gate.Request(ctx, approval.Params{
			SessionID: call.SessionID,
			Kind:      res.Assessment.Kind,
			Tier:      res.Assessment.Tier,
			Payload: model.ApprovalPayload{
				ToolName: call.Tool,
				Args:     call.Args,
				Summary:  summarize(call.Tool, call.Args, res.Assessment),
			},
			OnPending: call.OnAwaitingApproval,
		})
		if err != nil {
			res.Observation = failure(model.ErrApprovalRejected,
				fmt.Sprintf("Action not performed: approval could not be requested: %v", err))
			return res
		}
		res.Approval = &req

		switch req.Resolution {
		case model.ResolutionModified:
			if req.ModifiedPayload != nil {
				res.Args = req.ModifiedPayload.Args
			}
			if err := enabled.Validate(call.Tool, res.Args); err != nil {
				res.Observation = failure(model.ErrInvalidArguments,
					fmt.Sprintf("Modified arguments rejected: %v", err))
				return res
			}
		case model.ResolutionApproved:
		case model.ResolutionTimedOut:
			res.Observation = failure(model.ErrApprovalTimedOut,
				fmt.Sprintf("Action not performed: approval for %s timed out", call.Tool))
			return res
		default:
			if req.Reason == approval.ReasonCancelled {
				res.Observation = failure(model.ErrCancelled,
					fmt.Sprintf("Action not performed: %s was cancelled", call.Tool))
				return res
			}
			reason := req.Reason
			if reason == "" {
				reason = approval.ReasonRejected
			}
			res.Observation = failure(model.ErrApprovalRejected,
				fmt.Sprintf("Action not performed: %s was %s", call.Tool, reason))
			return res
		}
	}

	if ctx.Err() != nil {
		res.Observation = failure(model.ErrCancelled, fmt.Sprintf("Action not performed: %s was cancelled", call.Tool))
		return res
	}
	if call.OnExecuting != nil {
		call.OnExecuting()
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.executor.Execute(execCtx, Invocation{
		Tool:             call.Tool,
		Args:             res.Args,
		WorkingDirectory: call.WorkingDirectory,
		Timeout:          timeout,
	})
	switch {
	case err == nil:
		res.Observation = model.Observation{Success: true, Content: formatOutput(out)}
	case errors.Is(ctx.Err(), context.Canceled):
		res.Observation = failure(model.ErrCancelled, fmt.Sprintf("%s was cancelled while running", call.Tool))
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.Observation = failure(model.ErrToolExecution,
			withOutput(fmt.Sprintf("Error: %s timed out after %s", call.Tool, timeout), out))
	default:
		res.Observation = failure(model.ErrToolExecution, withOutput("Error: "+err.Error(), out))
	}
	return res
}

func failure(kind model.ErrorKind, content string) model.Observation {
	return model.Observation{Success: false, Content: content, ErrorKind: kind}
}

func formatOutput(out ExecResult) string {
	content := out.Content
	if strings.TrimSpace(out.Stderr) != "" {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += "[stderr]\n" + out.Stderr
	}
	if content == "" {
		return "(no output)"
	}
	return content
}

func withOutput(msg string, out ExecResult) string {
	if out.Content == "" && out.Stderr == "" {
		return msg
	}
	return msg + "\n" + formatOutput(out)
}

// summarize renders the one-line description a reviewer sees.
func summarize(tool string, args map[string]any, a risk.Assessment) string {
	var subject string
	switch {
	case args["command"] != nil:
		subject = fmt.Sprint(args["command"])
	case args["args"] != nil:
		if list, ok := args["args"].([]any); ok {
			parts := make([]string, 0, len(list))
			for _, p := range list {
				parts = append(parts, fmt.Sprint(p))
			}
			subject = strings.Join(parts, " ")
		} else {
			subject = fmt.Sprint(args["args"])
		}
	case args["path"] != nil:
		subject = fmt.Sprint(args["path"])
	default:
		subject = model.ArgsJSON(args)
	}
	s := fmt.Sprintf("%s: %s", tool, subject)
	if a.Reason != "" {
		s += " (" + a.Reason + ")"
	}
	return s
}
