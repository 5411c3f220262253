package ports

import (
	"context"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// Embedder turns query text into a vector of the store's dimensionality.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// CorpusSource loads a persisted corpus.
type CorpusSource interface {
	Load(ctx context.Context) (*domain.Corpus, error)
}

// CorpusSink persists a corpus in a layout some CorpusSource can read back.
type CorpusSink interface {
	Save(ctx context.Context, corpus *domain.Corpus) error
}

// Snapshot is one immutable, fully loaded vector store.
type Snapshot interface {
	Info() domain.StoreInfo
	Get(id string) (*domain.Chunk, error)
	// Candidates returns chunks matching the filter. The slice must not be modified.
	Candidates(filter domain.SearchFilter) []domain.Candidate
	// MaxResultBytes is the largest serialized size of any single result in the snapshot.
	MaxResultBytes() int
}

// Index hands out the active snapshot and replaces it atomically.
type Index interface {
	Snapshot() Snapshot
	// Publish builds a store from corpus off to the side and swaps it in.
	// On error the active snapshot is left untouched.
	Publish(corpus *domain.Corpus) (domain.StoreInfo, error)
}

// Ranker orders candidates by similarity to the query vector.
type Ranker interface {
	Rank(ctx context.Context, query []float32, candidates []domain.Candidate, minSimilarity float64, limit int) ([]domain.SearchResult, error)
}

// AuditSink receives one event per handled request.
type AuditSink interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}

// SearchObserver records search outcomes for metrics.
type SearchObserver interface {
	ObserveSearch(outcome string, results int, elapsedSeconds float64)
	ObserveRebuild(status string, chunks int)
}
