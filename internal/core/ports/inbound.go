package ports

import (
	"context"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// SearchService is the inbound contract shared by every protocol adapter.
type SearchService interface {
	Search(ctx context.Context, caller domain.Caller, params domain.SearchParams) (*domain.SearchResponse, error)
	GetChunk(ctx context.Context, caller domain.Caller, id string) (*domain.Chunk, error)
	// Catalog calls are admitted by the same per-client limiter as searches.
	Categories(ctx context.Context, caller domain.Caller) (map[string]string, error)
	Technologies(ctx context.Context, caller domain.Caller) ([]domain.Technology, error)
}

// CorpusRebuilder reloads the corpus and swaps the active store.
type CorpusRebuilder interface {
	Rebuild(ctx context.Context, reason string) (domain.StoreInfo, error)
	Info() domain.StoreInfo
}
