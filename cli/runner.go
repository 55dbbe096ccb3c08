package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/richinex/theseus/agent"
	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/events"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/orchestration"
	"github.com/richinex/theseus/risk"
	"github.com/richinex/theseus/tools"
)

const (
	maxObservationLen = 400
	maxArgsLen        = 200
)

// Options holds terminal runner options.
type Options struct {
	// Verbose streams tokens and prints every thought.
	Verbose bool
	// AutoApprove approves every request without prompting.
	AutoApprove bool
}

// Runner drives turns from a terminal. It prints the session's progress
// and asks the user to settle approval requests.
type Runner struct {
	svc  *orchestration.Service
	in   *bufio.Reader
	out  io.Writer
	opts Options
}

// NewRunner creates a runner reading answers from in and writing to out.
func NewRunner(svc *orchestration.Service, in io.Reader, out io.Writer, opts Options) *Runner {
	return &Runner{svc: svc, in: bufio.NewReader(in), out: out, opts: opts}
}

type turnOutcome struct {
	res agent.TurnResult
	err error
}

// RunTask runs one turn and prints its result.
func (r *Runner) RunTask(ctx context.Context, sessionID, message string) (agent.TurnResult, error) {
	sub, err := r.svc.Subscribe(sessionID)
	if err != nil {
		return agent.TurnResult{}, err
	}
	defer sub.Close()

	done := make(chan turnOutcome, 1)
	go func() {
		res, err := r.svc.RunTurn(ctx, sessionID, message)
		done <- turnOutcome{res: res, err: err}
	}()

	stream := sub.C
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			r.handle(ev)
		case o := <-done:
			r.drain(sub)
			r.printResult(o.res, o.err)
			return o.res, o.err
		}
	}
}

// Chat reads messages line by line and runs a turn for each until EOF or
// "exit".
func (r *Runner) Chat(ctx context.Context, sessionID string) error {
	fmt.Fprintf(r.out, "Session %s. Type 'exit' to quit.\n", sessionID)
	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if _, err := r.RunTask(ctx, sessionID, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, orchestration.ErrSessionClosed) {
				return err
			}
		}
	}
}

func (r *Runner) drain(sub *events.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			r.handle(ev)
		default:
			return
		}
	}
}

func (r *Runner) handle(ev events.Event) {
	switch ev.Kind {
	case events.KindToken:
		if !r.opts.Verbose {
			return
		}
		if reset, _ := ev.Data["reset"].(bool); reset {
			fmt.Fprintln(r.out)
		}
		text, _ := ev.Data["text"].(string)
		fmt.Fprint(r.out, text)
	case events.KindThought:
		content, _ := ev.Data["content"].(string)
		if kind, ok := ev.Data["error_kind"].(string); ok {
			fmt.Fprintf(r.out, "\n[model output rejected: %s]\n", kind)
			return
		}
		if r.opts.Verbose {
			fmt.Fprintf(r.out, "\nThought: %s\n", content)
		}
	case events.KindToolCall:
		tool, _ := ev.Data["tool"].(string)
		args, _ := json.Marshal(ev.Data["args"])
		fmt.Fprintf(r.out, "\n→ %s %s\n", tool, truncateString(string(args), maxArgsLen))
	case events.KindObservation:
		tool, _ := ev.Data["tool"].(string)
		content, _ := ev.Data["content"].(string)
		status := "ok"
		if kind, ok := ev.Data["error_kind"].(string); ok {
			status = kind
		}
		fmt.Fprintf(r.out, "← %s (%s): %s\n", tool, status, truncateString(content, maxObservationLen))
	case events.KindApprovalRequested:
		r.approve(ev)
	case events.KindApprovalResolved:
		if reason, _ := ev.Data["reason"].(string); reason == approval.ReasonTimedOut {
			fmt.Fprintln(r.out, "Approval timed out; the call was rejected.")
		}
	case events.KindSessionFailed:
		reason, _ := ev.Data["reason"].(string)
		fmt.Fprintf(r.out, "\nSession failed: %s\n", reason)
	}
}

// approve prompts until the user gives a usable decision. EOF rejects.
func (r *Runner) approve(ev events.Event) {
	id, _ := ev.Data["id"].(string)
	tier, _ := ev.Data["risk_tier"].(string)
	payload, _ := ev.Data["payload"].(model.ApprovalPayload)

	if r.opts.AutoApprove {
		fmt.Fprintf(r.out, "Auto-approving %s (%s risk)\n", payload.ToolName, tier)
		r.resolve(id, model.DecisionApprove, nil)
		return
	}

	fmt.Fprintf(r.out, "\nApproval required (%s risk): %s\n", tier, payload.Summary)
	for {
		fmt.Fprint(r.out, "Approve? [y]es / [n]o / [m]odify: ")
		answer, err := r.readLine()
		if err != nil {
			r.resolve(id, model.DecisionReject, nil)
			return
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			r.resolve(id, model.DecisionApprove, nil)
			return
		case "n", "no":
			r.resolve(id, model.DecisionReject, nil)
			return
		case "m", "modify":
			fmt.Fprint(r.out, "New arguments (JSON): ")
			line, err := r.readLine()
			if err != nil {
				r.resolve(id, model.DecisionReject, nil)
				return
			}
			var args map[string]any
			if err := json.Unmarshal([]byte(line), &args); err != nil {
				fmt.Fprintf(r.out, "Invalid JSON: %v\n", err)
				continue
			}
			r.resolve(id, model.DecisionModify, args)
			return
		}
	}
}

func (r *Runner) resolve(id string, decision model.Decision, args map[string]any) {
	err := r.svc.Resolve(id, decision, args)
	switch {
	case err == nil:
	case errors.Is(err, approval.ErrAlreadyResolved):
		fmt.Fprintln(r.out, "The request was already settled.")
	default:
		fmt.Fprintf(r.out, "Failed to resolve approval: %v\n", err)
	}
}

func (r *Runner) readLine() (string, error) {
	line, err := r.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (r *Runner) printResult(res agent.TurnResult, err error) {
	var failure *agent.FailureError
	switch {
	case errors.As(err, &failure):
		fmt.Fprintf(r.out, "\nError: %s\n", failure.Reason)
		return
	case errors.Is(err, agent.ErrCancelled):
		fmt.Fprintln(r.out, "\nCancelled.")
		return
	case err != nil:
		fmt.Fprintf(r.out, "\nError: %v\n", err)
		return
	}

	fmt.Fprintf(r.out, "\n%s\n", res.Answer)
	if r.opts.Verbose {
		printTokenStats(r.out, res)
	}
}

func printTokenStats(w io.Writer, res agent.TurnResult) {
	fmt.Fprintf(w, "\nToken Usage:\n")
	fmt.Fprintf(w, "  Model calls: %d\n", res.ModelCalls)
	fmt.Fprintf(w, "  Prompt tokens: %d\n", res.Usage.PromptTokens)
	fmt.Fprintf(w, "  Completion tokens: %d\n", res.Usage.CompletionTokens)
	fmt.Fprintf(w, "  Total tokens: %d\n", res.Usage.TotalTokens)
	if res.Forced {
		fmt.Fprintln(w, "  Answer was forced by the step or token budget")
	}
}

// ListTools prints the registered tools.
func ListTools(w io.Writer, registry *tools.Registry, verbose bool) {
	fmt.Fprintln(w, "Available tools:")
	fmt.Fprintln(w)

	for _, def := range registry.Definitions() {
		fmt.Fprintf(w, "  %s (%s)\n", def.Name, def.Capability)
		fmt.Fprintf(w, "    %s\n", def.Description)

		if verbose && len(def.Parameters) > 0 {
			fmt.Fprintln(w, "    Parameters:")
			params := append([]tools.Parameter(nil), def.Parameters...)
			sort.SliceStable(params, func(i, j int) bool { return params[i].Required && !params[j].Required })
			for _, param := range params {
				req := ""
				if param.Required {
					req = "*"
				}
				fmt.Fprintf(w, "      %s%s: %s - %s\n", param.Name, req, param.Type, param.Description)
			}
		}
		fmt.Fprintln(w)
	}
}

// Classify prints the risk assessment of a tool call given as JSON
// arguments.
func Classify(w io.Writer, classifier *risk.Classifier, tool, argsJSON string) (risk.Assessment, error) {
	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return risk.Assessment{}, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	a := classifier.Assess(tool, args)
	fmt.Fprintf(w, "tier:   %s\n", a.Tier)
	fmt.Fprintf(w, "kind:   %s\n", a.Kind)
	if a.Rule != "" {
		fmt.Fprintf(w, "rule:   %s\n", a.Rule)
	}
	if a.Reason != "" {
		fmt.Fprintf(w, "reason: %s\n", a.Reason)
	}
	return a, nil
}

// truncateString truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
