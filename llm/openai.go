package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// OpenAIProvider serves OpenAI and any endpoint speaking the OpenAI chat
// completions API, DeepSeek included.
type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIProvider creates a provider for api.openai.com.
func NewOpenAIProvider(apiKey, model string, maxTokens uint32, temperature float32) *OpenAIProvider {
	return &OpenAIProvider{
		name:        "openai",
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   int(maxTokens),
		temperature: temperature,
	}
}

// NewDeepSeekProvider creates a provider for the DeepSeek API.
func NewDeepSeekProvider(apiKey, model string, maxTokens uint32, temperature float32) *OpenAIProvider {
	return NewOpenAICompatibleProvider("deepseek", deepseekBaseURL, apiKey, model, maxTokens, temperature)
}

// NewOpenAICompatibleProvider creates a provider for a self-hosted or
// third-party endpoint at baseURL.
func NewOpenAICompatibleProvider(name, baseURL, apiKey, model string, maxTokens uint32, temperature float32) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &OpenAIProvider{
		name:        name,
		client:      openai.NewClientWithConfig(config),
		model:       model,
		maxTokens:   int(maxTokens),
		temperature: temperature,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Model returns the current model.
func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) request(messages []ChatMessage) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:               p.model,
		Messages:            convertToOpenAIMessages(messages),
		MaxCompletionTokens: p.maxTokens,
		Temperature:         p.temperature,
	}
}

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []ChatMessage) (Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages))
	if err != nil {
		return Response{}, fmt.Errorf("%s chat completion failed: %w", p.name, err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return Response{Content: content, Usage: openAIUsage(resp.Usage)}, nil
}

// StreamChat streams a chat completion.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	req := p.request(messages)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s stream creation failed: %w", p.name, err)
	}
	defer stream.Close()

	var usage *TokenUsage
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, fmt.Errorf("%s stream recv failed: %w", p.name, err)
		}

		// Usage arrives on the final chunk.
		if response.Usage != nil {
			usage = openAIUsage(*response.Usage)
		}

		if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case chunks <- response.Choices[0].Delta.Content:
		case <-ctx.Done():
			return usage, ctx.Err()
		}
	}
}

func openAIUsage(u openai.Usage) *TokenUsage {
	return &TokenUsage{
		PromptTokens:     uint32(u.PromptTokens),
		CompletionTokens: uint32(u.CompletionTokens),
		TotalTokens:      uint32(u.TotalTokens),
	}
}

func convertToOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		result[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return result
}

var _ Provider = (*OpenAIProvider)(nil)
