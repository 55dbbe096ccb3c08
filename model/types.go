// Package model provides domain types shared across packages.
//
// The loop controller, dispatcher, approval gate and transports all speak
// in these types so none of them has to import another's internals.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepKind identifies what a Step records.
type StepKind string

const (
	StepUserMessage StepKind = "user_message"
	StepThought     StepKind = "thought"
	StepToolCall    StepKind = "tool_call"
	StepObservation StepKind = "observation"
	StepFinalAnswer StepKind = "final_answer"
)

// Step is one entry in a session's history.
type Step struct {
	Kind      StepKind       `json:"kind"`
	Content   string         `json:"content"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	Success   bool           `json:"success,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolCall is a parsed request from the model to run a tool.
type ToolCall struct {
	Name string         `json:"tool"`
	Args map[string]any `json:"input"`
}

// Status is the loop controller state of a session.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusReasoning        Status = "reasoning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecutingTool    Status = "executing_tool"
	StatusResponding       Status = "responding"
	StatusTerminated       Status = "terminated"
	StatusFailed           Status = "failed"
)

// Active reports whether a turn is in flight in this state.
func (s Status) Active() bool {
	switch s {
	case StatusReasoning, StatusAwaitingApproval, StatusExecutingTool, StatusResponding:
		return true
	}
	return false
}

// RiskTier is a coarse severity used to decide whether approval is required.
// Tiers are ordered: comparisons with < and >= are meaningful.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskTier) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskTier parses a tier name (case-insensitive).
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk tier: %q", s)
	}
}

// MarshalText encodes the tier by name so JSON and YAML carry "high", not 2.
func (r RiskTier) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a tier name.
func (r *RiskTier) UnmarshalText(text []byte) error {
	tier, err := ParseRiskTier(string(text))
	if err != nil {
		return err
	}
	*r = tier
	return nil
}

// ApprovalKind describes what kind of action an approval request covers.
type ApprovalKind string

const (
	ApprovalCommand           ApprovalKind = "command"
	ApprovalFileWrite         ApprovalKind = "file_write"
	ApprovalFileDelete        ApprovalKind = "file_delete"
	ApprovalGitOperation      ApprovalKind = "git_operation"
	ApprovalDependencyInstall ApprovalKind = "dependency_install"
)

// Resolution is the outcome of an approval request.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
	ResolutionModified Resolution = "modified"
	ResolutionTimedOut Resolution = "timed_out"
)

// Allows reports whether the tool may run under this resolution.
func (r Resolution) Allows() bool {
	return r == ResolutionApproved || r == ResolutionModified
}

// Decision is what an external actor answers to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// ParseDecision parses an inbound decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	case DecisionModify:
		return DecisionModify, nil
	default:
		return "", fmt.Errorf("unknown decision: %q", s)
	}
}

// ApprovalPayload is what the human is asked to approve.
type ApprovalPayload struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Summary  string         `json:"summary"`
}

// ApprovalRequest is a pending or resolved authorization.
type ApprovalRequest struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	Kind            ApprovalKind     `json:"kind"`
	RiskTier        RiskTier         `json:"risk_tier"`
	Payload         ApprovalPayload  `json:"payload"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	Resolution      Resolution       `json:"resolution"`
	Reason          string           `json:"reason,omitempty"`
	ModifiedPayload *ApprovalPayload `json:"modified_payload,omitempty"`
	ResolvedAt      time.Time        `json:"resolved_at,omitempty"`
}

// ErrorKind classifies a failed observation.
type ErrorKind string

const (
	ErrToolNotAvailable ErrorKind = "tool_not_available"
	ErrToolExecution    ErrorKind = "tool_execution_error"
	ErrApprovalRejected ErrorKind = "approval_rejected"
	ErrApprovalTimedOut ErrorKind = "approval_timed_out"
	ErrInvalidArguments ErrorKind = "invalid_arguments"
	ErrCancelled        ErrorKind = "cancelled"

	// ErrMalformedOutput marks a thought step holding model output that
	// could not be parsed.
	ErrMalformedOutput ErrorKind = "malformed_output"
)

// Observation is the normalized result of a tool dispatch.
type Observation struct {
	Success   bool      `json:"success"`
	Content   string    `json:"content"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// Executed reports whether the tool was actually run.
func (o Observation) Executed() bool {
	switch o.ErrorKind {
	case ErrToolNotAvailable, ErrApprovalRejected, ErrApprovalTimedOut, ErrInvalidArguments:
		return false
	}
	return true
}

// ArgsJSON renders tool arguments for prompts and logs.
func ArgsJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
