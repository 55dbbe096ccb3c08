package llm

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

	"github.com/richinex/theseus/model"
)

// DefaultAttemptTimeout bounds a single provider attempt.
const DefaultAttemptTimeout = 2 * time.Minute

// ErrAllProvidersFailed is matched by every *ProviderError.
var ErrAllProvidersFailed = errors.New("all model providers failed")

// Attempt outcomes reported to the AttemptObserver.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// AttemptError records why one provider attempt failed.
type AttemptError struct {
	Provider string
	Err      error
}

// ProviderError is returned once every attempt has failed.
type ProviderError struct {
	Attempts []AttemptError
}

func (e *ProviderError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return fmt.Sprintf("%v after %d attempt(s): %s", ErrAllProvidersFailed, len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ProviderError) Unwrap() error { return ErrAllProvidersFailed }

// StreamDelta is one incremental piece of model output.
//
// Reset tells the consumer to discard text received so far because a
// failed attempt is being replaced by the next provider. Exactly one
// delta with Done set is delivered per call, and it is the last.
type StreamDelta struct {
	Text     string
	Provider string
	Reset    bool
	Done     bool
}

// Candidate is a provider with its own attempt timeout. A zero Timeout
// uses the adapter default.
type Candidate struct {
	Provider Provider
	Timeout  time.Duration
}

// AttemptObserver is told about every provider attempt.
type AttemptObserver func(provider, outcome string, elapsed time.Duration)

// Completion is the full text of a successful attempt.
type Completion struct {
	Text     string
	Provider string
	Model    string
	Usage    TokenUsage
}

// Request is one decision request: the agent's system prompt, the
// conversation so far, and the tools it may call.
type Request struct {
	System   string
	Messages []ChatMessage
	Tools    []ToolDefinition
}

// Outcome is a parsed decision. Text always holds the raw output, so a
// malformed reply can still be recorded.
type Outcome struct {
	Completion
	Thought     string
	ToolCall    *model.ToolCall
	FinalAnswer string
	IsFinal     bool
	Repaired    bool
}

// Adapter sends requests to an ordered list of providers, falling back
// to the next one on failure.
type Adapter struct {
	candidates     []Candidate
	maxAttempts    int
	defaultTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
	observe        AttemptObserver
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithMaxAttempts bounds the total number of attempts. When it exceeds the
// number of candidates the list is cycled.
func WithMaxAttempts(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithAttemptTimeout sets the timeout for candidates without their own.
func WithAttemptTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.defaultTimeout = d
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) AdapterOption {
	return func(a *Adapter) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithAttemptObserver registers a callback for every attempt.
func WithAttemptObserver(fn AttemptObserver) AdapterOption {
	return func(a *Adapter) { a.observe = fn }
}

// NewAdapter creates an adapter over candidates in priority order.
func NewAdapter(candidates []Candidate, opts ...AdapterOption) (*Adapter, error) {
	if len(candidates) == 0 {
		return nil, errors.New("at least one model provider is required")
	}
	for i, c := range candidates {
		if c.Provider == nil {
			return nil, fmt.Errorf("candidate %d has no provider", i)
		}
	}

	a := &Adapter{
		candidates:     append([]Candidate(nil), candidates...),
		maxAttempts:    len(candidates),
		defaultTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/richinex/theseus/llm"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Providers lists provider names in priority order.
func (a *Adapter) Providers() []string {
	names := make([]string, len(a.candidates))
	for i, c := range a.candidates {
		names[i] = c.Provider.Name()
	}
	return names
}

// Complete asks for the next decision and parses it. A reply that cannot
// be parsed returns ErrMalformedOutput together with an Outcome carrying
// the raw text. A nil onDelta uses non-streaming requests.
func (a *Adapter) Complete(ctx context.Context, req Request, onDelta func(StreamDelta)) (Outcome, error) {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	system := strings.TrimSpace(req.System + "\n\n" + RenderProtocol(req.Tools))
	messages = append(messages, SystemMessage(system))
	messages = append(messages, req.Messages...)

	completion, err := a.Stream(ctx, messages, onDelta)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Completion: completion}
	decision, repaired, err := ParseDecision(completion.Text)
	out.Repaired = repaired
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
		return out, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	out.ToolCall = &call
	return out, nil
}

// Stream sends messages to each candidate in turn until one succeeds.
// onDelta is called from the calling goroutine, in order, and never after
// Stream returns.
func (a *Adapter) Stream(ctx context.Context, messages []ChatMessage, onDelta func(StreamDelta)) (Completion, error) {
	emit := func(StreamDelta) {}
	if onDelta != nil {
		emit = onDelta
	}
	defer emit(StreamDelta{Done: true})

	var failures []AttemptError
	dirty := false
	for i := 0; i < a.maxAttempts; i++ {
		c := a.candidates[i%len(a.candidates)]
		name := c.Provider.Name()

		if dirty {
			emit(StreamDelta{Provider: name, Reset: true})
			dirty = false
		}

		completion, emitted, err := a.attempt(ctx, c, messages, onDelta != nil, emit)
		if err == nil {
			return completion, nil
		}
		dirty = emitted

		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		failures = append(failures, AttemptError{Provider: name, Err: err})
		a.logger.Warn("model provider attempt failed",
			"provider", name,
			"attempt", i+1,
			"max_attempts", a.maxAttempts,
			"error", err,
		)
	}
	return Completion{}, &ProviderError{Attempts: failures}
}

func (a *Adapter) attempt(ctx context.Context, c Candidate, messages []ChatMessage, streaming bool, emit func(StreamDelta)) (Completion, bool, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	name := c.Provider.Name()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx, span := a.tracer.Start(actx, "llm.attempt", trace.WithAttributes(
		attribute.String("llm.provider", name),
		attribute.String("llm.model", c.Provider.Model()),
	))
	defer span.End()

	start := time.Now()
	var (
		text    string
		usage   *TokenUsage
		emitted bool
		err     error
	)
	if streaming {
		text, usage, emitted, err = streamOnce(actx, c.Provider, messages, func(chunk string) {
			emit(StreamDelta{Text: chunk, Provider: name})
		})
	} else {
		var resp Response
		resp, err = c.Provider.Chat(actx, messages)
		text, usage = resp.Content, resp.Usage
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty response")
	}

	outcome := OutcomeSuccess
	switch {
	case err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = OutcomeTimeout
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	case err != nil:
		outcome = OutcomeError
	}
	if a.observe != nil {
		a.observe(name, outcome, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return Completion{}, emitted, err
	}

	completion := Completion{Text: text, Provider: name, Model: c.Provider.Model()}
	completion.Usage.Add(usage)
	return completion, emitted, nil
}

type streamResult struct {
	usage *TokenUsage
	err   error
}

// streamOnce runs StreamChat in its own goroutine and forwards chunks until
// the provider returns.
func streamOnce(ctx context.Context, p Provider, messages []ChatMessage, forward func(string)) (string, *TokenUsage, bool, error) {
	chunks := make(chan string, 100)
	resultCh := make(chan streamResult, 1)
	go func() {
		defer close(chunks)
		usage, err := p.StreamChat(ctx, messages, chunks)
		resultCh <- streamResult{usage: usage, err: err}
	}()

	var response strings.Builder
	emitted := false
	for chunk := range chunks {
		response.WriteString(chunk)
		forward(chunk)
		emitted = true
	}

	result := <-resultCh
	return response.String(), result.usage, emitted, result.err
}
