// Provider construction.
//
//	claude, err := llm.ProviderAnthropic.FromEnv()
//	gpt, err := llm.ProviderOpenAI.Model(llm.ModelOpenAIGPT52).MaxTokens(8192).FromEnv()
//	local, err := llm.ProviderOpenAI.Model("qwen3").BaseURL("http://localhost:11434/v1").APIKey("unused")

package llm

import (
	"fmt"
	"os"
	"strings"
)

// ProviderType identifies a supported vendor.
type ProviderType int

const (
	ProviderOpenAI ProviderType = iota
	ProviderAnthropic
	ProviderDeepSeek
	ProviderGemini
)

// Builder defaults.
const (
	DefaultMaxTokens   uint32  = 4096
	DefaultTemperature float32 = 0.2
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderDeepSeek:
		return "deepseek"
	case ProviderGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// EnvVar returns the environment variable holding this provider's API key.
func (p ProviderType) EnvVar() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// DefaultModel returns the model used when none is configured.
func (p ProviderType) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return ModelOpenAIGPT52
	case ProviderAnthropic:
		return ModelAnthropicClaudeSonnet45
	case ProviderDeepSeek:
		return ModelDeepSeekChat
	case ProviderGemini:
		return ModelGeminiFlash25
	default:
		return ""
	}
}

// ParseProviderType parses a provider name, accepting common aliases.
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "gpt":
		return ProviderOpenAI, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "deepseek":
		return ProviderDeepSeek, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return 0, fmt.Errorf("unknown provider: %s", s)
	}
}

// FromEnv creates a provider with defaults, reading the API key from the
// environment.
func (p ProviderType) FromEnv() (Provider, error) {
	return NewProviderBuilder(p).FromEnv()
}

// Model starts configuring this provider with a specific model.
func (p ProviderType) Model(model string) *ProviderBuilder {
	return NewProviderBuilder(p).Model(model)
}

// ProviderBuilder configures a Provider.
type ProviderBuilder struct {
	providerType ProviderType
	model        string
	baseURL      string
	maxTokens    uint32
	temperature  *float32
}

// NewProviderBuilder creates a new builder for the given provider.
func NewProviderBuilder(providerType ProviderType) *ProviderBuilder {
	return &ProviderBuilder{providerType: providerType}
}

// Model sets the model to use.
func (b *ProviderBuilder) Model(model string) *ProviderBuilder {
	b.model = model
	return b
}

// BaseURL points an OpenAI-compatible provider at another endpoint.
func (b *ProviderBuilder) BaseURL(url string) *ProviderBuilder {
	b.baseURL = url
	return b
}

// MaxTokens sets maximum tokens for responses.
func (b *ProviderBuilder) MaxTokens(tokens uint32) *ProviderBuilder {
	b.maxTokens = tokens
	return b
}

// Temperature sets the sampling temperature.
func (b *ProviderBuilder) Temperature(temp float32) *ProviderBuilder {
	b.temperature = &temp
	return b
}

// FromEnv builds the provider, reading the API key from the environment.
func (b *ProviderBuilder) FromEnv() (Provider, error) {
	envVar := b.providerType.EnvVar()
	apiKey := os.Getenv(envVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %s environment variable not set", b.providerType, envVar)
	}
	return b.build(apiKey)
}

// APIKey builds the provider with an explicit API key.
func (b *ProviderBuilder) APIKey(key string) (Provider, error) {
	return b.build(key)
}

func (b *ProviderBuilder) build(apiKey string) (Provider, error) {
	model := b.model
	if model == "" {
		model = b.providerType.DefaultModel()
	}
	maxTokens := b.maxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := DefaultTemperature
	if b.temperature != nil {
		temperature = *b.temperature
	}

	switch b.providerType {
	case ProviderOpenAI:
		if b.baseURL != "" {
			return NewOpenAICompatibleProvider("openai", b.baseURL, apiKey, model, maxTokens, temperature), nil
		}
		return NewOpenAIProvider(apiKey, model, maxTokens, temperature), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(apiKey, model, maxTokens, temperature), nil
	case ProviderDeepSeek:
		return NewDeepSeekProvider(apiKey, model, maxTokens, temperature), nil
	case ProviderGemini:
		return NewGeminiProvider(apiKey, model, maxTokens, temperature), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %v", b.providerType)
	}
}

// Model identifiers.
const (
	ModelOpenAIGPT52      = "gpt-5.2"
	ModelOpenAIGPT52Codex = "gpt-5.2-codex"
	ModelOpenAIGPT4oMini  = "gpt-4o-mini"

	ModelAnthropicClaudeSonnet45 = "claude-sonnet-4-5"
	ModelAnthropicClaudeOpus45   = "claude-opus-4-5"
	ModelAnthropicClaudeHaiku45  = "claude-haiku-4-5"

	ModelDeepSeekChat     = "deepseek-chat"
	ModelDeepSeekReasoner = "deepseek-reasoner"

	ModelGeminiFlash25 = "gemini-2.5-flash"
	ModelGeminiPro25   = "gemini-2.5-pro"
)
