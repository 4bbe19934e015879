package interfaces

import (
	"context"
)

// Message represents a single message in a chat conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role string

	// Content contains the text content of the message
	Content string
}

// LLMService generates chat completions for the analysis stages.
// Implementations wrap OpenAI (langchaingo), Anthropic or Gemini.
type LLMService interface {
	// Chat generates a completion for the conversation, system prompt included
	Chat(ctx context.Context, messages []Message) (string, error)

	// Provider returns the provider name, e.g. "openai"
	Provider() string

	// Close releases client resources
	Close() error
}
