// Package llm defines the Provider interface for chat-completion backends.
//
// The relay uses a completion model for exactly one job: turning a caller's
// question plus retrieved knowledge-base passages into a grounded answer.
// The interface is deliberately narrow — one system prompt, one user message,
// one reply.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: a stuck completion call would stall a live voice
// session.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce the reply.
type CompletionRequest struct {
	// SystemPrompt is the grounding instruction, including the retrieved
	// context passages.
	SystemPrompt string

	// UserMessage is the caller's question, verbatim.
	UserMessage string

	// Temperature controls output randomness. Zero means the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the model and returns the full textual reply.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
