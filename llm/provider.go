// Package llm talks to hosted language models.
//
// A Provider hides one vendor SDK behind Chat and StreamChat. The Adapter
// layers fallback across providers, a per-attempt timeout, and parsing of
// the agent decision protocol on top.
package llm

import (
	"context"
)

// Provider is a single model endpoint.
type Provider interface {
	// Name identifies the provider in logs, metrics and stream deltas.
	Name() string

	// Model returns the model identifier requests are sent to.
	Model() string

	// Chat sends a non-streaming completion request.
	Chat(ctx context.Context, messages []ChatMessage) (Response, error)

	// StreamChat streams a completion, sending text chunks to chunks.
	// It must not close chunks. Usage is returned when the provider
	// reports it.
	StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error)
}
