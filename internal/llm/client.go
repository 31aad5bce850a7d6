// Package llm wraps the model provider behind small ports so services can
// be tested with fakes.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string
	Content string
}

// TokenStream yields model output incrementally. Next returns io.EOF after
// the final token.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// ChatStreamer streams a chat completion token by token.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []Message) (TokenStream, error)
}

// Generator returns a complete chat completion in one call.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Embedder computes an embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
