package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider for Google Gemini.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
	initErr     error
}

// NewGeminiProvider creates a new Gemini provider. A client
// initialization failure is reported on first use.
func NewGeminiProvider(apiKey, model string, maxTokens uint32, temperature float32) *GeminiProvider {
	p := &GeminiProvider{
		model:       model,
		maxTokens:   int32(maxTokens),
		temperature: temperature,
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		p.initErr = fmt.Errorf("failed to initialize Gemini client: %w", err)
		return p
	}
	p.client = client
	return p
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Model returns the current model.
func (p *GeminiProvider) Model() string {
	return p.model
}

func (p *GeminiProvider) ready() error {
	if p.initErr != nil {
		return p.initErr
	}
	if p.client == nil {
		return errors.New("gemini client not initialized")
	}
	return nil
}

func (p *GeminiProvider) config(systemInstruction string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(p.temperature),
		MaxOutputTokens: p.maxTokens,
	}
	if systemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}
	return config
}

// Chat sends a chat completion request.
func (p *GeminiProvider) Chat(ctx context.Context, messages []ChatMessage) (Response, error) {
	if err := p.ready(); err != nil {
		return Response{}, err
	}

	contents, systemInstruction := convertToGeminiMessages(messages)
	response, err := p.client.Models.GenerateContent(ctx, p.model, contents, p.config(systemInstruction))
	if err != nil {
		return Response{}, fmt.Errorf("gemini chat completion failed: %w", err)
	}

	content := response.Text()
	if content == "" {
		return Response{}, errors.New("empty response from Gemini")
	}
	return Response{Content: content, Usage: geminiUsage(response.UsageMetadata)}, nil
}

// StreamChat streams a chat completion.
func (p *GeminiProvider) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	contents, systemInstruction := convertToGeminiMessages(messages)

	var usage *TokenUsage
	for response, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, p.config(systemInstruction)) {
		if err != nil {
			return usage, fmt.Errorf("gemini stream error: %w", err)
		}
		if u := geminiUsage(response.UsageMetadata); u != nil {
			usage = u
		}

		text := response.Text()
		if text == "" {
			continue
		}
		select {
		case chunks <- text:
		case <-ctx.Done():
			return usage, ctx.Err()
		}
	}
	return usage, nil
}

func geminiUsage(m *genai.GenerateContentResponseUsageMetadata) *TokenUsage {
	if m == nil {
		return nil
	}
	return &TokenUsage{
		PromptTokens:     uint32(m.PromptTokenCount),
		CompletionTokens: uint32(m.CandidatesTokenCount),
		TotalTokens:      uint32(m.TotalTokenCount),
	}
}

func convertToGeminiMessages(messages []ChatMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemInstruction string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemInstruction = msg.Content
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}
	return contents, systemInstruction
}

var _ Provider = (*GeminiProvider)(nil)
