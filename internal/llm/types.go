// Package llm defines the language model provider used by the AI
// participant, and an Anthropic Messages API implementation of it.
package llm

import (
	"context"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StopReason describes why the model stopped generating.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a provider's Complete call.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Model        string // overrides the provider default if set
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is a language model backend.
type Provider interface {
	// Complete sends a completion request and waits for the full response.
	// Failures reported by the backend are *errors.APIError.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the default model identifier.
	ModelID() string
}

// UserMessage builds a single user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}
