// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The knowledge
// layer uses these vectors both at ingestion time (embedding document chunks
// into the hospital knowledge base) and at query time (embedding a caller's
// question for nearest-neighbour retrieval).
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider instance share the dimensionality
// reported by Dimensions. Query and ingestion embeddings must come from the
// same Provider instance (or at least the same model) for distances to be
// meaningful.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text
	// is passed to the backend verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in one backend call.
	// The i-th result corresponds to texts[i]. On error no partial results
	// are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces.
	Dimensions() int

	// ModelID returns the backend model identifier, for logging and for
	// verifying that the store was ingested with the same model.
	ModelID() string
}
