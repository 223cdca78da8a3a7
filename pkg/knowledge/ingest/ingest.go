// Package ingest populates the hospital knowledge base from plain-text
// documents: split into overlapping chunks, embed each chunk, upsert into the
// passages store.
//
// Chunk IDs are derived from the source name and chunk ordinal, so
// re-ingesting the same document replaces its passages instead of
// duplicating them.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/greenview-ai/wardline/pkg/knowledge/postgres"
	"github.com/greenview-ai/wardline/pkg/provider/embeddings"
)

// Chunking defaults mirror the knowledge-base build the store was designed
// around: 300-character chunks with 100 characters of overlap.
const (
	DefaultChunkSize    = 300
	DefaultChunkOverlap = 100
)

// embedBatchSize bounds how many chunks go to the embeddings backend per call.
const embedBatchSize = 64

// Pipeline embeds document chunks and writes them to the store.
type Pipeline struct {
	store    *postgres.Store
	embedder embeddings.Provider
	size     int
	overlap  int
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithChunking overrides the chunk size and overlap (both in characters).
func WithChunking(size, overlap int) Option {
	return func(p *Pipeline) {
		p.size = size
		p.overlap = overlap
	}
}

// New creates an ingestion Pipeline over the given store and embedder.
func New(store *postgres.Store, embedder embeddings.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		embedder: embedder,
		size:     DefaultChunkSize,
		overlap:  DefaultChunkOverlap,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IngestFile reads the UTF-8 text document at path and ingests it under its
// base name. Returns the number of chunks written.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ingest: read %q: %w", path, err)
	}
	return p.Ingest(ctx, filepath.Base(path), string(data))
}

// Ingest chunks text, embeds every chunk, and upserts the result under the
// given source name. Returns the number of chunks written.
func (p *Pipeline) Ingest(ctx context.Context, source, text string) (int, error) {
	pieces := Split(text, p.size, p.overlap)
	if len(pieces) == 0 {
		slog.Warn("ingest: document produced no chunks", "source", source)
		return 0, nil
	}

	written := 0
	for start := 0; start < len(pieces); start += embedBatchSize {
		end := min(start+embedBatchSize, len(pieces))
		batch := pieces[start:end]

		vectors, err := p.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return written, fmt.Errorf("ingest: embed batch: %w", err)
		}

		chunks := make([]postgres.Chunk, len(batch))
		for i, content := range batch {
			pos := start + i
			chunks[i] = postgres.Chunk{
				ID:        fmt.Sprintf("%s-%d", source, pos),
				Content:   content,
				Embedding: vectors[i],
				Source:    source,
				Position:  pos,
			}
		}
		if err := p.store.Upsert(ctx, chunks); err != nil {
			return written, fmt.Errorf("ingest: upsert: %w", err)
		}
		written += len(chunks)
	}

	slog.Info("ingest: document ingested", "source", source, "chunks", written)
	return written, nil
}

// Split cuts text into chunks of at most size characters with the given
// overlap between consecutive chunks. Chunks that are entirely whitespace are
// dropped. Offsets are in runes so multi-byte text never splits mid-character.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap >= size {
		overlap = size - 1
	}
	if overlap < 0 {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
