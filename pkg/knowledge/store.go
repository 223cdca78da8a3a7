// Package knowledge provides retrieval-augmented answering over the hospital
// knowledge base.
//
// A [Store] retrieves the passages semantically nearest to a caller's
// question; an [Answerer] folds those passages into a grounded prompt and
// asks a completion model for exactly one reply. The realtime session layer
// consumes the Answerer whenever a completed caller transcript arrives.
package knowledge

import (
	"context"
	"errors"
)

// DefaultTopK is the number of passages retrieved per question.
const DefaultTopK = 3

// FallbackAnswer is the fixed phrase spoken when retrieval is unavailable or
// the knowledge base does not answer the question. It is injected as if it
// were a normal answer so the conversation never goes silent.
const FallbackAnswer = "I'm sorry, I don't have that information."

// ErrRetrievalUnavailable reports that the vector store or the completion
// backend failed or timed out. Callers must not block a live session on it —
// they surface [FallbackAnswer] instead.
var ErrRetrievalUnavailable = errors.New("knowledge: retrieval unavailable")

// Passage is one retrieved grounding passage. Rank is the 1-based retrieval
// rank; passages are always consumed in rank order, never re-sorted.
type Passage struct {
	Text     string
	Rank     int
	Distance float64
}

// Store is the abstraction over the vector store holding the hospital
// knowledge base. Implementations must be safe for concurrent use.
type Store interface {
	// Search returns the k passages nearest to question, ordered by
	// ascending distance (rank order).
	Search(ctx context.Context, question string, k int) ([]Passage, error)
}
