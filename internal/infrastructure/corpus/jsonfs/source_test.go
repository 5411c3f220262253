package jsonfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/hashing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const legacyChunks = `[
  {"chunk_id": "react_001", "content": "useState hook", "metadata": {"type": "code", "source_file": "docs/React/hooks.md", "doc_title": "Hooks", "category": "guides"}},
  {"chunk_id": "convex_001", "content": "Convex queries", "metadata": {"category": "getting_started", "technology": "Convex"}}
]`

func TestLoadReadsLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "indices/semantic_index.json", `{"version":"1.0.0","embedding_model":"m","embedding_dim":2,"total_vectors":2,"last_built":"2024-05-01T10:00:00.123456"}`)
	writeFile(t, dir, ChunksFile, legacyChunks)
	writeFile(t, dir, EmbeddingsFile, `[[1,0],[0,1]]`)

	corpus, err := NewSource(dir, domain.DefaultTaxonomy(), nil, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if corpus.Manifest.ChunkCount != 2 || corpus.Manifest.EmbeddingDim != 2 {
		t.Fatalf("unexpected manifest: %+v", corpus.Manifest)
	}
	if corpus.Manifest.BuiltAt.IsZero() {
		t.Fatalf("expected zone-less last_built to parse")
	}

	react := corpus.Chunks[0]
	if react.Metadata.Technology != "React" {
		t.Fatalf("expected technology inferred from source file, got %q", react.Metadata.Technology)
	}
	if react.Metadata.ParentTitle != "Hooks" {
		t.Fatalf("expected parent title to default to doc title, got %q", react.Metadata.ParentTitle)
	}
	if corpus.Chunks[1].Metadata.Type != domain.ContentText {
		t.Fatalf("expected missing type to default to text, got %q", corpus.Chunks[1].Metadata.Type)
	}
	if got := corpus.Chunks[1].Embedding; len(got) != 2 || got[1] != 1 {
		t.Fatalf("embedding row not attached: %v", got)
	}
}

func TestLoadRejectsOtherSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, `{"version":"2.0.0","embedding_dim":2}`)
	writeFile(t, dir, ChunksFile, `[]`)
	writeFile(t, dir, EmbeddingsFile, `[]`)

	_, err := NewSource(dir, domain.DefaultTaxonomy(), nil, nil).Load(context.Background())
	if !domain.IsKind(err, domain.ErrMigrationRequired) || !domain.IsKind(err, domain.ErrStore) {
		t.Fatalf("expected migration-required store error, got %v", err)
	}
}

func TestLoadRejectsRowCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, `{"version":"1.0.0","embedding_dim":2}`)
	writeFile(t, dir, ChunksFile, legacyChunks)
	writeFile(t, dir, EmbeddingsFile, `[[1,0]]`)

	_, err := NewSource(dir, domain.DefaultTaxonomy(), nil, nil).Load(context.Background())
	if !domain.IsKind(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestLoadEmbedsWhenMatrixMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, `{"version":"1.0.0","embedding_model":"hashing-v1","embedding_dim":16}`)
	writeFile(t, dir, ChunksFile, legacyChunks)

	_, err := NewSource(dir, domain.DefaultTaxonomy(), nil, nil).Load(context.Background())
	if !domain.IsKind(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore without an embedder, got %v", err)
	}

	corpus, err := NewSource(dir, domain.DefaultTaxonomy(), hashing.New(16), nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, chunk := range corpus.Chunks {
		if len(chunk.Embedding) != 16 {
			t.Fatalf("chunk %s has %d dimensions", chunk.ID, len(chunk.Embedding))
		}
	}
}

func TestWriterOutputLoadsBack(t *testing.T) {
	dir := t.TempDir()
	builtAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &domain.Corpus{
		Manifest: domain.Manifest{EmbeddingModel: "m", EmbeddingDim: 2, BuiltAt: builtAt},
		Chunks: []domain.Chunk{
			{ID: "a", Content: "alpha", Metadata: domain.ChunkMetadata{Type: domain.ContentCode, Category: "examples", Technology: "Clerk"}, Embedding: []float32{1, 0}},
			{ID: "b", Content: "beta", Metadata: domain.ChunkMetadata{Type: domain.ContentText}, Position: 3, Embedding: []float32{0.5, 0.5}},
		},
	}
	if err := NewWriter(dir).Save(context.Background(), in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, err := NewSource(dir, domain.DefaultTaxonomy(), nil, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if out.Manifest.SchemaVersion != domain.CorpusSchemaVersion || !out.Manifest.BuiltAt.Equal(builtAt) {
		t.Fatalf("unexpected manifest: %+v", out.Manifest)
	}
	if len(out.Chunks) != 2 || out.Chunks[1].Position != 3 || out.Chunks[0].Metadata.Technology != "Clerk" {
		t.Fatalf("unexpected chunks: %+v", out.Chunks)
	}
	if out.Chunks[1].Embedding[0] != 0.5 {
		t.Fatalf("embedding not written: %v", out.Chunks[1].Embedding)
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}
