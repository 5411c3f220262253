package jsonfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Save writes the three corpus files. Each file is replaced by rename, and
// the manifest goes last so a reader never sees a new manifest over old chunks.
func (w *Writer) Save(ctx context.Context, corpus *domain.Corpus) error {
	if corpus == nil {
		return storeErr("save", fmt.Errorf("nil corpus"))
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return storeErr("create corpus dir", err)
	}

	embeddings := make([][]float32, len(corpus.Chunks))
	for i := range corpus.Chunks {
		embeddings[i] = corpus.Chunks[i].Embedding
	}

	builtAt := corpus.Manifest.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}
	manifest := fileManifest{
		Version:        domain.CorpusSchemaVersion,
		EmbeddingModel: corpus.Manifest.EmbeddingModel,
		EmbeddingDim:   corpus.Manifest.EmbeddingDim,
		ChunkCount:     len(corpus.Chunks),
		BuiltAt:        builtAt.Format(time.RFC3339Nano),
	}

	steps := []struct {
		name string
		v    any
	}{
		{ChunksFile, corpus.Chunks},
		{EmbeddingsFile, embeddings},
		{ManifestFile, manifest},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeJSONAtomic(filepath.Join(w.dir, step.name), step.v); err != nil {
			return storeErr("write "+step.name, err)
		}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
