package interfaces

import (
	"context"
)

// Message represents a single message in a chat conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role    string
	Content string
}

// LLMService generates text for LLM-backed enhancers
type LLMService interface {
	// Chat generates a completion for the conversation. model may be empty
	// (default backend) or carry a provider prefix such as "claude/...".
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	Close() error
}
