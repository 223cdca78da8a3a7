package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlExtension = `CREATE EXTENSION IF NOT EXISTS vector`

// ddlPassagesFmt is the passages table DDL. The vector width is fixed at
// migration time from the embeddings model; changing models later requires a
// manual schema change and re-ingestion.
const ddlPassagesFmt = `
CREATE TABLE IF NOT EXISTS passages (
    id        TEXT        PRIMARY KEY,
    content   TEXT        NOT NULL,
    embedding VECTOR(%d)  NOT NULL,
    source    TEXT        NOT NULL DEFAULT '',
    position  INTEGER     NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_passages_embedding_hnsw
    ON passages USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_passages_source
    ON passages (source);
`

// Migrate installs the pgvector extension and the passages table if they do
// not exist. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embeddingDimensions must be positive, got %d", embeddingDimensions)
	}

	if _, err := pool.Exec(ctx, ddlExtension); err != nil {
		return fmt.Errorf("postgres migrate: create extension: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlPassagesFmt, embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: create passages table: %w", err)
	}
	return nil
}
