// Package jsonfs reads and writes a corpus laid out as JSON files in one
// directory: a manifest, the chunk table and a parallel embedding matrix.
package jsonfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const (
	ManifestFile   = "semantic_index.json"
	ChunksFile     = "vector_db_index.json"
	EmbeddingsFile = "embeddings.json"

	legacyManifestDir = "indices"
)

// fileManifest accepts both the keys written by Writer and the ones older
// builders used (total_vectors, last_built).
type fileManifest struct {
	Version        string `json:"version"`
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim"`
	ChunkCount     int    `json:"chunk_count,omitempty"`
	TotalVectors   int    `json:"total_vectors,omitempty"`
	BuiltAt        string `json:"built_at,omitempty"`
	LastBuilt      string `json:"last_built,omitempty"`
}

type Source struct {
	dir      string
	taxonomy domain.Taxonomy
	embedder ports.Embedder
	logger   *slog.Logger
}

// NewSource reads the corpus in dir. When embeddings.json is absent and
// embedder is set, chunk vectors are computed at load time.
func NewSource(dir string, taxonomy domain.Taxonomy, embedder ports.Embedder, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{dir: dir, taxonomy: taxonomy, embedder: embedder, logger: logger}
}

func (s *Source) Dir() string { return s.dir }

func (s *Source) Load(ctx context.Context) (*domain.Corpus, error) {
	manifest, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	if err := domain.CheckSchemaVersion(manifest.SchemaVersion); err != nil {
		return nil, err
	}

	var chunks []domain.Chunk
	if err := readJSON(filepath.Join(s.dir, ChunksFile), &chunks); err != nil {
		return nil, storeErr("read chunks", err)
	}

	embeddings, err := s.readEmbeddings(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(chunks) {
		return nil, storeErr("read embeddings",
			fmt.Errorf("%d embedding rows for %d chunks", len(embeddings), len(chunks)))
	}

	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
		s.taxonomy.FillMetadata(&chunks[i].Metadata)
	}

	if manifest.ChunkCount == 0 {
		manifest.ChunkCount = len(chunks)
	}
	if manifest.EmbeddingDim == 0 && len(embeddings) > 0 {
		manifest.EmbeddingDim = len(embeddings[0])
	}

	s.logger.Info("corpus_loaded", "source", "jsonfs", "dir", s.dir, "chunks", len(chunks), "dimension", manifest.EmbeddingDim)
	return &domain.Corpus{Manifest: manifest, Chunks: chunks}, nil
}

func (s *Source) readManifest() (domain.Manifest, error) {
	var raw fileManifest
	path := filepath.Join(s.dir, ManifestFile)
	err := readJSON(path, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		err = readJSON(filepath.Join(s.dir, legacyManifestDir, ManifestFile), &raw)
	}
	if err != nil {
		return domain.Manifest{}, storeErr("read manifest", err)
	}

	count := raw.ChunkCount
	if count == 0 {
		count = raw.TotalVectors
	}
	builtAt := raw.BuiltAt
	if builtAt == "" {
		builtAt = raw.LastBuilt
	}
	return domain.Manifest{
		SchemaVersion:  raw.Version,
		EmbeddingModel: raw.EmbeddingModel,
		EmbeddingDim:   raw.EmbeddingDim,
		ChunkCount:     count,
		BuiltAt:        parseBuiltAt(builtAt),
	}, nil
}

func (s *Source) readEmbeddings(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	var embeddings [][]float32
	err := readJSON(filepath.Join(s.dir, EmbeddingsFile), &embeddings)
	if err == nil {
		return embeddings, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || s.embedder == nil {
		return nil, storeErr("read embeddings", err)
	}

	s.logger.Warn("corpus_embeddings_missing", "dir", s.dir, "model", s.embedder.Model(), "chunks", len(chunks))
	embeddings = make([][]float32, len(chunks))
	for i, chunk := range chunks {
		vec, err := s.embedder.EmbedQuery(ctx, chunk.Content)
		if err != nil {
			return nil, storeErr("embed chunk "+chunk.ID, err)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

func readJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// parseBuiltAt accepts RFC 3339 and the zone-less ISO timestamps some
// builders emit. Unparseable values become the zero time.
func parseBuiltAt(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func storeErr(op string, err error) error {
	if domain.IsKind(err, domain.ErrStore) {
		return err
	}
	return domain.WrapError(domain.ErrStore, "jsonfs "+op, err)
}
