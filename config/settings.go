// Package config provides application settings.
//
// Settings are built in layers:
// - built-in defaults (Default)
// - an optional YAML or JSON5 file (Load)
// - environment variables (THESEUS_* and the provider model variables)
//
// Validate reports every invalid field at once.

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/richinex/theseus/agent"
	"github.com/richinex/theseus/approval"
	"github.com/richinex/theseus/llm"
	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/tools"
)

// Settings holds all application configuration.
type Settings struct {
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Log       LogConfig       `yaml:"log" json:"log"`
	MCP       MCPConfig       `yaml:"mcp" json:"mcp"`
}

// LLMConfig holds model provider configuration.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	// Fallbacks are tried in order after Provider fails.
	Fallbacks   []string `yaml:"fallbacks" json:"fallbacks"`
	Model       string   `yaml:"model" json:"model"`
	MaxTokens   uint32   `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64  `yaml:"temperature" json:"temperature"`
	// AttemptTimeout bounds one provider attempt.
	AttemptTimeout Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	// MaxAttempts bounds attempts across all providers. Zero means one
	// per provider.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// AgentConfig holds loop configuration shared by new sessions.
type AgentConfig struct {
	AgentID           string         `yaml:"agent_id" json:"agent_id"`
	SystemPrompt      string         `yaml:"system_prompt" json:"system_prompt"`
	MaxSteps          int            `yaml:"max_steps" json:"max_steps"`
	HistoryWindow     int            `yaml:"history_window" json:"history_window"`
	TokenBudget       uint32         `yaml:"token_budget" json:"token_budget"`
	MemoryEnabled     bool           `yaml:"memory_enabled" json:"memory_enabled"`
	ApprovalEnabled   bool           `yaml:"approval_enabled" json:"approval_enabled"`
	ApprovalThreshold model.RiskTier `yaml:"approval_threshold" json:"approval_threshold"`
	ToolTimeout       Duration       `yaml:"tool_timeout" json:"tool_timeout"`
	WorkingDirectory  string         `yaml:"working_directory" json:"working_directory"`
	EnabledTools      []string       `yaml:"enabled_tools" json:"enabled_tools"`
	// AllowedCommands limits run_command to these programs. Empty allows
	// any.
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`
}

// ApprovalConfig holds approval windows per risk tier.
type ApprovalConfig struct {
	Default  Duration `yaml:"default" json:"default"`
	Medium   Duration `yaml:"medium" json:"medium"`
	High     Duration `yaml:"high" json:"high"`
	Critical Duration `yaml:"critical" json:"critical"`
}

// MemoryConfig selects the memory store.
type MemoryConfig struct {
	// Driver is "sqlite3" (cgo), "sqlite" (pure Go), or "memory".
	Driver  string `yaml:"driver" json:"driver"`
	Path    string `yaml:"path" json:"path"`
	Recent  int    `yaml:"recent" json:"recent"`
	Lessons int    `yaml:"lessons" json:"lessons"`
}

// EventsConfig tunes the event broadcaster.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Address     string   `yaml:"address" json:"address"`
	IdleTimeout Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	MetricsPath  string  `yaml:"metrics_path" json:"metrics_path"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure" json:"otlp_insecure"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MCPConfig points at the MCP server definitions.
type MCPConfig struct {
	ConfigPath string `yaml:"config_path" json:"config_path"`
}

// Duration is a time.Duration written as "30s" or "5m" in config files.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings.
func Default() Settings {
	policy := approval.DefaultPolicy()
	return Settings{
		LLM: LLMConfig{
			Provider:       "anthropic",
			MaxTokens:      llm.DefaultMaxTokens,
			Temperature:    float64(llm.DefaultTemperature),
			AttemptTimeout: Duration(llm.DefaultAttemptTimeout),
		},
		Agent: AgentConfig{
			AgentID:           "default",
			MaxSteps:          agent.DefaultMaxSteps,
			HistoryWindow:     agent.DefaultHistoryWindow,
			MemoryEnabled:     true,
			ApprovalEnabled:   true,
			ApprovalThreshold: model.RiskMedium,
			ToolTimeout:       Duration(agent.DefaultToolTimeout),
		},
		Approval: ApprovalConfig{
			Default:  Duration(policy.Default),
			Critical: Duration(policy.TimeoutFor(model.RiskCritical)),
		},
		Memory: MemoryConfig{
			Driver:  "sqlite3",
			Path:    "theseus.db",
			Recent:  5,
			Lessons: 3,
		},
		Events: EventsConfig{BufferSize: 64},
		Server: ServerConfig{
			Address:     "127.0.0.1:8080",
			IdleTimeout: Duration(30 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			MetricsPath:  "/metrics",
			ServiceName:  "theseus",
			SamplingRate: 1,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// New returns the defaults for provider with environment overrides
// applied.
func New(provider string) (Settings, error) {
	s := Default()
	if provider != "" {
		s.LLM.Provider = provider
	}
	if err := s.finish(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// finish applies the environment, normalizes, and validates.
func (s *Settings) finish() error {
	if err := s.applyEnv(); err != nil {
		return err
	}
	s.LLM.Provider = normalizeProvider(s.LLM.Provider)
	for i, f := range s.LLM.Fallbacks {
		s.LLM.Fallbacks[i] = normalizeProvider(f)
	}
	if s.LLM.Model == "" {
		if m, err := ModelFor(s.LLM.Provider); err == nil {
			s.LLM.Model = m
		}
	}
	return s.Validate()
}

// applyEnv overlays THESEUS_* variables.
func (s *Settings) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, err := getEnvInt(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	flag := func(key string, dst *bool) {
		v, err := getEnvBool(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(key string, dst *Duration) {
		v, err := getEnvDuration(key, dst.Std())
		errs = append(errs, err)
		*dst = Duration(v)
	}

	str("THESEUS_LLM_PROVIDER", &s.LLM.Provider)
	str("THESEUS_LLM_MODEL", &s.LLM.Model)
	if v := os.Getenv("THESEUS_LLM_FALLBACKS"); v != "" {
		s.LLM.Fallbacks = splitList(v)
	}
	maxTokens, err := getEnvUint32("THESEUS_LLM_MAX_TOKENS", s.LLM.MaxTokens)
	errs = append(errs, err)
	s.LLM.MaxTokens = maxTokens
	temperature, err := getEnvFloat64("THESEUS_LLM_TEMPERATURE", s.LLM.Temperature)
	errs = append(errs, err)
	s.LLM.Temperature = temperature
	dur("THESEUS_LLM_ATTEMPT_TIMEOUT", &s.LLM.AttemptTimeout)
	num("THESEUS_LLM_MAX_ATTEMPTS", &s.LLM.MaxAttempts)

	str("THESEUS_AGENT_ID", &s.Agent.AgentID)
	num("THESEUS_AGENT_MAX_STEPS", &s.Agent.MaxSteps)
	num("THESEUS_AGENT_HISTORY_WINDOW", &s.Agent.HistoryWindow)
	budget, err := getEnvUint32("THESEUS_AGENT_TOKEN_BUDGET", s.Agent.TokenBudget)
	errs = append(errs, err)
	s.Agent.TokenBudget = budget
	flag("THESEUS_AGENT_MEMORY", &s.Agent.MemoryEnabled)
	flag("THESEUS_AGENT_APPROVAL", &s.Agent.ApprovalEnabled)
	if v := os.Getenv("THESEUS_AGENT_APPROVAL_THRESHOLD"); v != "" {
		tier, err := model.ParseRiskTier(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value for THESEUS_AGENT_APPROVAL_THRESHOLD: %w", err))
		} else {
			s.Agent.ApprovalThreshold = tier
		}
	}
	dur("THESEUS_AGENT_TOOL_TIMEOUT", &s.Agent.ToolTimeout)
	str("THESEUS_AGENT_WORKDIR", &s.Agent.WorkingDirectory)
	if v := os.Getenv("THESEUS_AGENT_TOOLS"); v != "" {
		s.Agent.EnabledTools = splitList(v)
	}

	dur("THESEUS_APPROVAL_TIMEOUT", &s.Approval.Default)
	str("THESEUS_MEMORY_DRIVER", &s.Memory.Driver)
	str("THESEUS_MEMORY_PATH", &s.Memory.Path)
	str("THESEUS_SERVER_ADDRESS", &s.Server.Address)
	dur("THESEUS_SERVER_IDLE_TIMEOUT", &s.Server.IdleTimeout)
	str("THESEUS_OTLP_ENDPOINT", &s.Telemetry.OTLPEndpoint)
	str("THESEUS_LOG_LEVEL", &s.Log.Level)
	str("THESEUS_LOG_FORMAT", &s.Log.Format)
	str("THESEUS_MCP_CONFIG", &s.MCP.ConfigPath)

	return errors.Join(errs...)
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if _, err := llm.ParseProviderType(s.LLM.Provider); err != nil {
		errs = append(errs, fmt.Errorf("llm.provider: %w", err))
	}
	for _, f := range s.LLM.Fallbacks {
		if _, err := llm.ParseProviderType(f); err != nil {
			errs = append(errs, fmt.Errorf("llm.fallbacks: %w", err))
		}
	}
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be within [0, 2], got %v", s.LLM.Temperature))
	}
	if s.LLM.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("llm.max_attempts must not be negative, got %d", s.LLM.MaxAttempts))
	}
	if s.Agent.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_steps must be positive, got %d", s.Agent.MaxSteps))
	}
	if s.Agent.HistoryWindow <= 0 {
		errs = append(errs, fmt.Errorf("agent.history_window must be positive, got %d", s.Agent.HistoryWindow))
	}
	if s.Agent.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_timeout must not be negative"))
	}
	for name, d := range map[string]Duration{
		"default": s.Approval.Default, "medium": s.Approval.Medium,
		"high": s.Approval.High, "critical": s.Approval.Critical,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("approval.%s must not be negative", name))
		}
	}
	switch s.Memory.Driver {
	case "sqlite3", "sqlite":
		if s.Memory.Path == "" {
			errs = append(errs, fmt.Errorf("memory.path is required for driver %s", s.Memory.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("memory.driver must be sqlite3, sqlite or memory, got %q", s.Memory.Driver))
	}
	if s.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer_size must be positive, got %d", s.Events.BufferSize))
	}
	if s.Telemetry.SamplingRate < 0 || s.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate must be within [0, 1], got %v", s.Telemetry.SamplingRate))
	}
	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s.Log.Level))
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", s.Log.Format))
	}
	return errors.Join(errs...)
}

// AgentDefaults converts the agent section into a session config.
func (s Settings) AgentDefaults() agent.Config {
	cfg := agent.DefaultConfig()
	cfg.AgentID = s.Agent.AgentID
	if s.Agent.SystemPrompt != "" {
		cfg.SystemPrompt = s.Agent.SystemPrompt
	}
	cfg.Model = s.LLM.Model
	cfg.Temperature = float32(s.LLM.Temperature)
	cfg.TokenBudget = s.Agent.TokenBudget
	cfg.EnabledTools = append([]string(nil), s.Agent.EnabledTools...)
	cfg.MemoryEnabled = s.Agent.MemoryEnabled
	cfg.ApprovalEnabled = s.Agent.ApprovalEnabled
	cfg.ApprovalThreshold = s.Agent.ApprovalThreshold
	cfg.MaxSteps = s.Agent.MaxSteps
	cfg.HistoryWindow = s.Agent.HistoryWindow
	cfg.ToolTimeout = s.Agent.ToolTimeout.Std()
	cfg.WorkingDirectory = s.Agent.WorkingDirectory
	return cfg
}

// ApprovalPolicy converts the approval section into a gate policy.
func (s Settings) ApprovalPolicy() approval.Policy {
	p := approval.Policy{
		Default:  s.Approval.Default.Std(),
		Timeouts: map[model.RiskTier]time.Duration{},
	}
	for tier, d := range map[model.RiskTier]Duration{
		model.RiskMedium:   s.Approval.Medium,
		model.RiskHigh:     s.Approval.High,
		model.RiskCritical: s.Approval.Critical,
	} {
		if d > 0 {
			p.Timeouts[tier] = d.Std()
		}
	}
	return p
}

// ToolConfig converts the agent section into local tool settings.
func (s Settings) ToolConfig() tools.Config {
	cfg := tools.DefaultConfig()
	cfg.AllowedCommands = append([]string(nil), s.Agent.AllowedCommands...)
	if s.Agent.ToolTimeout > 0 {
		cfg.DefaultTimeout = s.Agent.ToolTimeout.Std()
	}
	return cfg
}

// Providers returns the primary provider followed by the fallbacks,
// without duplicates.
func (s Settings) Providers() []string {
	seen := map[string]bool{}
	out := make([]string, 0, 1+len(s.LLM.Fallbacks))
	for _, p := range append([]string{s.LLM.Provider}, s.LLM.Fallbacks...) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	if t, err := llm.ParseProviderType(provider); err == nil {
		return t.String()
	}
	return strings.ToLower(strings.TrimSpace(provider))
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	t, err := llm.ParseProviderType(provider)
	if err != nil {
		return "", err
	}
	key := os.Getenv(t.EnvVar())
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", t.EnvVar())
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	t, err := llm.ParseProviderType(provider)
	if err != nil {
		return "", err
	}
	if val := os.Getenv(strings.ToUpper(t.String()) + "_MODEL"); val != "" {
		return val, nil
	}
	return t.DefaultModel(), nil
}

// SupportedProviders returns the supported provider names, sorted.
func SupportedProviders() []string {
	result := []string{
		llm.ProviderOpenAI.String(),
		llm.ProviderAnthropic.String(),
		llm.ProviderDeepSeek.String(),
		llm.ProviderGemini.String(),
	}
	sort.Strings(result)
	return result
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
