package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

// Rebuilder loads a corpus and publishes it as the active store.
// Rebuilds are exclusive; a failed rebuild leaves the previous store serving.
type Rebuilder struct {
	source       ports.CorpusSource
	index        ports.Index
	embeddingDim int
	observer     ports.SearchObserver
	logger       *slog.Logger

	mu sync.Mutex
}

// NewRebuilder wires a rebuilder. embeddingDim > 0 rejects corpora the query
// embedder cannot be compared against.
func NewRebuilder(source ports.CorpusSource, index ports.Index, embeddingDim int, observer ports.SearchObserver, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{
		source:       source,
		index:        index,
		embeddingDim: embeddingDim,
		observer:     observer,
		logger:       logger,
	}
}

func (r *Rebuilder) Rebuild(ctx context.Context, reason string) (domain.StoreInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	info, err := r.rebuild(ctx)
	if err != nil {
		r.logger.Error("corpus_rebuild_failed",
			"reason", reason,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			"error", err,
		)
		r.observe("failed", 0)
		return domain.StoreInfo{}, err
	}

	r.logger.Info("corpus_rebuilt",
		"reason", reason,
		"version", info.Version,
		"chunks", info.Chunks,
		"dimension", info.Dimension,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	r.observe("ok", info.Chunks)
	return info, nil
}

func (r *Rebuilder) rebuild(ctx context.Context) (domain.StoreInfo, error) {
	corpus, err := r.source.Load(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrStore) {
			return domain.StoreInfo{}, fmt.Errorf("load corpus: %w", err)
		}
		return domain.StoreInfo{}, domain.WrapError(domain.ErrStore, "load corpus", err)
	}
	if r.embeddingDim > 0 && corpus.Manifest.EmbeddingDim != r.embeddingDim {
		return domain.StoreInfo{}, domain.WrapError(domain.ErrStore, "load corpus",
			fmt.Errorf("corpus embedding dimension %d does not match embedder dimension %d", corpus.Manifest.EmbeddingDim, r.embeddingDim))
	}
	if err := ctx.Err(); err != nil {
		return domain.StoreInfo{}, domain.WrapError(domain.ErrStore, "load corpus", err)
	}
	return r.index.Publish(corpus)
}

func (r *Rebuilder) Info() domain.StoreInfo {
	snapshot := r.index.Snapshot()
	if snapshot == nil {
		return domain.StoreInfo{}
	}
	return snapshot.Info()
}

func (r *Rebuilder) observe(status string, chunks int) {
	if r.observer != nil {
		r.observer.ObserveRebuild(status, chunks)
	}
}
