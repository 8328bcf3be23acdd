// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local chat-completion API (OpenAI,
// Anthropic, Gemini, a local Ollama instance, ...) behind one small interface.
// qualivox uses it for structured extraction: a system prompt and a transcript
// go in, a JSON object comes out.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation.
	Messages []Message

	// Temperature controls randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int

	// JSONMode asks the backend to constrain the reply to a single JSON
	// object. Backends without native support rely on the prompt alone.
	JSONMode bool
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
//
// Complete must return promptly once ctx is cancelled.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
