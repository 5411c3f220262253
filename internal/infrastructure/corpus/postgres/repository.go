package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const schemaLockKey int64 = 2026021001

// Repository persists a corpus in two tables: a single-row manifest and the
// chunk table with a pgvector column, ordered by ordinal.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent server startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS corpus_manifest (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	schema_version TEXT NOT NULL,
	embedding_model TEXT NOT NULL,
	embedding_dim INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	built_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS corpus_chunks (
	chunk_id TEXT PRIMARY KEY,
	ordinal INTEGER NOT NULL,
	content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	parent_doc TEXT,
	position INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	embedding vector NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corpus_chunks_ordinal ON corpus_chunks(ordinal);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *Repository) Load(ctx context.Context) (*domain.Corpus, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT schema_version, embedding_model, embedding_dim, chunk_count, built_at
FROM corpus_manifest
WHERE id = 1
`)
	var manifest domain.Manifest
	err := row.Scan(&manifest.SchemaVersion, &manifest.EmbeddingModel, &manifest.EmbeddingDim, &manifest.ChunkCount, &manifest.BuiltAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeErr("load manifest", fmt.Errorf("no corpus has been imported"))
		}
		return nil, storeErr("load manifest", err)
	}
	if err := domain.CheckSchemaVersion(manifest.SchemaVersion); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT chunk_id, content, metadata, parent_doc, position, tokens, embedding
FROM corpus_chunks
ORDER BY ordinal
`)
	if err != nil {
		return nil, storeErr("load chunks", err)
	}
	defer rows.Close()

	chunks := make([]domain.Chunk, 0, manifest.ChunkCount)
	for rows.Next() {
		var (
			chunk       domain.Chunk
			metadataRaw []byte
			parentDoc   sql.NullString
			embedding   pgvector.Vector
		)
		if err := rows.Scan(&chunk.ID, &chunk.Content, &metadataRaw, &parentDoc, &chunk.Position, &chunk.Tokens, &embedding); err != nil {
			return nil, storeErr("scan chunk", err)
		}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &chunk.Metadata); err != nil {
				return nil, storeErr("decode metadata of "+chunk.ID, err)
			}
		}
		chunk.ParentDoc = parentDoc.String
		chunk.Embedding = embedding.Slice()
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate chunks", err)
	}

	return &domain.Corpus{Manifest: manifest, Chunks: chunks}, nil
}

// Save replaces the stored corpus in one transaction.
func (r *Repository) Save(ctx context.Context, corpus *domain.Corpus) error {
	if corpus == nil {
		return storeErr("save", fmt.Errorf("nil corpus"))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return storeErr("acquire corpus lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM corpus_chunks`); err != nil {
		return storeErr("clear chunks", err)
	}

	builtAt := corpus.Manifest.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO corpus_manifest (id, schema_version, embedding_model, embedding_dim, chunk_count, built_at)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	schema_version = EXCLUDED.schema_version,
	embedding_model = EXCLUDED.embedding_model,
	embedding_dim = EXCLUDED.embedding_dim,
	chunk_count = EXCLUDED.chunk_count,
	built_at = EXCLUDED.built_at
`, domain.CorpusSchemaVersion, corpus.Manifest.EmbeddingModel, corpus.Manifest.EmbeddingDim, len(corpus.Chunks), builtAt)
	if err != nil {
		return storeErr("upsert manifest", err)
	}

	for i := range corpus.Chunks {
		chunk := &corpus.Chunks[i]
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return storeErr("marshal metadata of "+chunk.ID, err)
		}
		var parentDoc sql.NullString
		if chunk.ParentDoc != "" {
			parentDoc = sql.NullString{String: chunk.ParentDoc, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO corpus_chunks (chunk_id, ordinal, content, metadata, parent_doc, position, tokens, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, chunk.ID, i, chunk.Content, metadataJSON, parentDoc, chunk.Position, chunk.Tokens, pgvector.NewVector(chunk.Embedding))
		if err != nil {
			return storeErr("insert chunk "+chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit save tx", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return domain.WrapError(domain.ErrStore, "postgres "+op, err)
}
