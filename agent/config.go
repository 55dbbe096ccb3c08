package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/richinex/theseus/model"
)

// Defaults for Config.
const (
	DefaultMaxSteps      = 12
	DefaultHistoryWindow = 40
	DefaultToolTimeout   = 2 * time.Minute
	DefaultSystemPrompt  = "You are a careful coding agent working inside a software project. " +
		"Use the available tools to inspect and change the project, and explain what you did."
)

// Config is a session's agent configuration.
type Config struct {
	// AgentID keys long-lived memory. Sessions of the same agent share it.
	AgentID string `json:"agent_id" yaml:"agent_id"`

	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// Model and Temperature are recorded for the session and passed to a
	// model factory when one is configured.
	Model       string  `json:"model,omitempty" yaml:"model"`
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature"`
	// TokenBudget bounds total tokens per turn. Zero is unlimited.
	TokenBudget uint32 `json:"token_budget,omitempty" yaml:"token_budget"`

	// EnabledTools limits the session to these tools. Empty enables all.
	EnabledTools []string `json:"enabled_tools,omitempty" yaml:"enabled_tools"`

	MemoryEnabled     bool           `json:"memory_enabled" yaml:"memory_enabled"`
	ApprovalEnabled   bool           `json:"approval_enabled" yaml:"approval_enabled"`
	ApprovalThreshold model.RiskTier `json:"approval_threshold" yaml:"approval_threshold"`

	// MaxSteps bounds model calls per turn before an answer is forced.
	MaxSteps int `json:"max_steps" yaml:"max_steps"`
	// HistoryWindow bounds the trailing steps sent to the model.
	HistoryWindow int `json:"history_window" yaml:"history_window"`

	ToolTimeout      time.Duration `json:"tool_timeout" yaml:"tool_timeout"`
	WorkingDirectory string        `json:"working_directory,omitempty" yaml:"working_directory"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		AgentID:           "default",
		SystemPrompt:      DefaultSystemPrompt,
		MemoryEnabled:     true,
		ApprovalEnabled:   true,
		ApprovalThreshold: model.RiskMedium,
		MaxSteps:          DefaultMaxSteps,
		HistoryWindow:     DefaultHistoryWindow,
		ToolTimeout:       DefaultToolTimeout,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AgentID == "" {
		c.AgentID = d.AgentID
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("history_window must be positive, got %d", c.HistoryWindow))
	}
	if c.ApprovalThreshold < model.RiskLow || c.ApprovalThreshold > model.RiskCritical {
		errs = append(errs, fmt.Errorf("approval_threshold out of range: %d", c.ApprovalThreshold))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %v", c.Temperature))
	}
	return errors.Join(errs...)
}

// Overrides is a partial Config. Nil fields keep the base value, so a
// caller that only changes the model keeps approval and memory as the
// base has them.
type Overrides struct {
	AgentID           *string         `json:"agent_id,omitempty"`
	SystemPrompt      *string         `json:"system_prompt,omitempty"`
	Model             *string         `json:"model,omitempty"`
	Temperature       *float32        `json:"temperature,omitempty"`
	TokenBudget       *uint32         `json:"token_budget,omitempty"`
	EnabledTools      []string        `json:"enabled_tools,omitempty"`
	MemoryEnabled     *bool           `json:"memory_enabled,omitempty"`
	ApprovalEnabled   *bool           `json:"approval_enabled,omitempty"`
	ApprovalThreshold *model.RiskTier `json:"approval_threshold,omitempty"`
	MaxSteps          *int            `json:"max_steps,omitempty"`
	HistoryWindow     *int            `json:"history_window,omitempty"`
	ToolTimeout       *time.Duration  `json:"tool_timeout,omitempty"`
	WorkingDirectory  *string         `json:"working_directory,omitempty"`
}

// Apply returns base with every set field replaced.
func (o Overrides) Apply(base Config) Config {
	set(&base.AgentID, o.AgentID)
	set(&base.SystemPrompt, o.SystemPrompt)
	set(&base.Model, o.Model)
	set(&base.Temperature, o.Temperature)
	set(&base.TokenBudget, o.TokenBudget)
	set(&base.MemoryEnabled, o.MemoryEnabled)
	set(&base.ApprovalEnabled, o.ApprovalEnabled)
	set(&base.ApprovalThreshold, o.ApprovalThreshold)
	set(&base.MaxSteps, o.MaxSteps)
	set(&base.HistoryWindow, o.HistoryWindow)
	set(&base.ToolTimeout, o.ToolTimeout)
	set(&base.WorkingDirectory, o.WorkingDirectory)
	if o.EnabledTools != nil {
		base.EnabledTools = append([]string(nil), o.EnabledTools...)
	}
	return base
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
