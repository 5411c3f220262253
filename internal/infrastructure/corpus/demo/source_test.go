package demo

import (
	"context"
	"testing"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/hashing"
)

func TestLoadEmbedsEveryChunkWithTheConfiguredModel(t *testing.T) {
	corpus, err := NewSource(hashing.New(64)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if corpus.Manifest.ChunkCount != 5 || corpus.Manifest.EmbeddingDim != 64 {
		t.Fatalf("unexpected manifest: %+v", corpus.Manifest)
	}
	if corpus.Manifest.EmbeddingModel != hashing.ModelName {
		t.Fatalf("expected model %q, got %q", hashing.ModelName, corpus.Manifest.EmbeddingModel)
	}
	if err := domain.CheckSchemaVersion(corpus.Manifest.SchemaVersion); err != nil {
		t.Fatalf("demo manifest must carry the current schema: %v", err)
	}

	taxonomy := domain.DefaultTaxonomy()
	for _, chunk := range corpus.Chunks {
		if len(chunk.Embedding) != 64 {
			t.Fatalf("chunk %s has %d dimensions", chunk.ID, len(chunk.Embedding))
		}
		if !taxonomy.HasCategory(chunk.Metadata.Category) || !taxonomy.HasTechnology(chunk.Metadata.Technology) {
			t.Fatalf("chunk %s is tagged outside the taxonomy: %+v", chunk.ID, chunk.Metadata)
		}
	}
}
