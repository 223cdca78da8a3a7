// Package postgres provides a PostgreSQL-backed implementation of the
// hospital knowledge store using the pgvector extension for approximate
// nearest-neighbour search.
//
// The pool registers pgvector types on every connection and [Migrate] runs
// automatically from [NewStore], installing the extension and the passages
// table if missing.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	passages, err := store.Search(ctx, "Where is the pharmacy?", 3)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/greenview-ai/wardline/pkg/knowledge"
	"github.com/greenview-ai/wardline/pkg/provider/embeddings"
)

var _ knowledge.Store = (*Store)(nil)

// Chunk is one pre-embedded document chunk destined for the passages table.
type Chunk struct {
	// ID is a stable identifier; re-ingesting the same ID replaces the row.
	ID string

	// Content is the chunk text as stored and retrieved.
	Content string

	// Embedding is the chunk's vector, produced by the same embeddings model
	// the store searches with.
	Embedding []float32

	// Source names the originating document.
	Source string

	// Position is the chunk's ordinal within its source document.
	Position int
}

// Store implements [knowledge.Store] on a passages table with a pgvector HNSW
// index. Query embedding happens inside Search, so the relay layer never
// handles raw vectors. All methods are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate]. The embedder must be the
// same model family the knowledge base was ingested with; its Dimensions()
// fixes the vector column width.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Search implements [knowledge.Store]. The question is embedded and the k
// nearest passages by cosine distance are returned in rank order.
func (s *Store) Search(ctx context.Context, question string, k int) ([]knowledge.Passage, error) {
	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: embed query: %w", err)
	}

	const q = `
		SELECT content, embedding <=> $1 AS distance
		FROM   passages
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: search: %w", err)
	}

	rank := 0
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Passage, error) {
		var p knowledge.Passage
		if err := row.Scan(&p.Text, &p.Distance); err != nil {
			return knowledge.Passage{}, err
		}
		rank++
		p.Rank = rank
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan rows: %w", err)
	}
	return results, nil
}

// Upsert writes pre-embedded chunks into the passages table. A chunk with an
// existing ID is completely replaced.
func (s *Store) Upsert(ctx context.Context, chunks []Chunk) error {
	const q = `
		INSERT INTO passages (id, content, embedding, source, position)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    source    = EXCLUDED.source,
		    position  = EXCLUDED.position`

	for _, c := range chunks {
		_, err := s.pool.Exec(ctx, q,
			c.ID,
			c.Content,
			pgvector.NewVector(c.Embedding),
			c.Source,
			c.Position,
		)
		if err != nil {
			return fmt.Errorf("knowledge store: upsert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// Count returns the number of stored passages. Used by readiness checks and
// the ingestion command's summary output.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge store: count: %w", err)
	}
	return n, nil
}

// Ping probes the underlying pool. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
