package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const maxChunkIDChars = 256

type SearchDeps struct {
	Taxonomy domain.Taxonomy
	Governor *Governor
	Embedder ports.Embedder
	Index    ports.Index
	Ranker   ports.Ranker
	Observer ports.SearchObserver
	Logger   *slog.Logger
}

// SearchService runs validate -> admit -> embed -> filter -> rank for every query.
type SearchService struct {
	taxonomy  domain.Taxonomy
	validator *Validator
	governor  *Governor
	embedder  ports.Embedder
	index     ports.Index
	ranker    ports.Ranker
	observer  ports.SearchObserver
	logger    *slog.Logger
	now       func() time.Time
}

func NewSearchService(deps SearchDeps) *SearchService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	governor := deps.Governor
	if governor == nil {
		governor = NewGovernor(GovernorConfig{})
	}
	return &SearchService{
		taxonomy:  deps.Taxonomy,
		validator: NewValidator(deps.Taxonomy),
		governor:  governor,
		embedder:  deps.Embedder,
		index:     deps.Index,
		ranker:    deps.Ranker,
		observer:  deps.Observer,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *SearchService) Search(ctx context.Context, caller domain.Caller, params domain.SearchParams) (*domain.SearchResponse, error) {
	start := s.now()
	resp, err := s.search(ctx, caller, params, start)
	if s.observer != nil {
		count := 0
		if resp != nil {
			count = len(resp.Results)
		}
		s.observer.ObserveSearch(Outcome(err), count, s.now().Sub(start).Seconds())
	}
	if err != nil && Outcome(err) == OutcomeInternal {
		s.logger.Error("search_failed", "client_id", caller.ClientID, "request_id", caller.RequestID, "error", err)
	}
	return resp, err
}

func (s *SearchService) search(ctx context.Context, caller domain.Caller, params domain.SearchParams, start time.Time) (*domain.SearchResponse, error) {
	query, err := s.validator.Validate(params)
	if err != nil {
		return nil, err
	}
	if err := s.governor.Admit(caller.ClientID); err != nil {
		return nil, err
	}

	ctx, cancel := s.governor.WithDeadline(ctx)
	defer cancel()

	// The snapshot taken here serves the whole request, even if a rebuild
	// swaps the index before ranking finishes.
	snapshot := s.index.Snapshot()
	if snapshot == nil {
		return nil, domain.WrapError(domain.ErrStore, "search", errors.New("no corpus loaded"))
	}
	info := snapshot.Info()

	vector, err := s.embedder.EmbedQuery(ctx, query.Text)
	if err != nil {
		if ctxErr := deadlineError(ctx, "embed query"); ctxErr != nil {
			return nil, ctxErr
		}
		if domain.IsKind(err, domain.ErrEmbedding) {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		return nil, domain.WrapError(domain.ErrEmbedding, "embed query", err)
	}
	if len(vector) != info.Dimension {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed query",
			fmt.Errorf("query vector has %d dimensions, store has %d", len(vector), info.Dimension))
	}

	limit, truncated := s.governor.ClampLimit(query.Limit, snapshot.MaxResultBytes())
	candidates := snapshot.Candidates(query.Filter)

	results, err := s.ranker.Rank(ctx, vector, candidates, query.MinSimilarity, limit)
	if err != nil {
		if ctxErr := deadlineError(ctx, "rank"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("rank candidates: %w", err)
	}
	if results == nil {
		results = []domain.SearchResult{}
	}

	return &domain.SearchResponse{
		Results: results,
		QueryMetadata: domain.QueryMetadata{
			Query:           query.Text,
			TotalResults:    len(results),
			FiltersApplied:  filtersApplied(query),
			ElapsedMS:       float64(s.now().Sub(start).Microseconds()) / 1000.0,
			Truncated:       truncated,
			SnapshotVersion: info.Version,
		},
	}, nil
}

func (s *SearchService) GetChunk(_ context.Context, caller domain.Caller, id string) (*domain.Chunk, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &domain.ValidationError{Field: "chunk_id", Reason: "must not be empty"}
	}
	if len(id) > maxChunkIDChars || hasControlChars(id) {
		return nil, &domain.ValidationError{Field: "chunk_id", Reason: "is not a valid chunk id"}
	}
	if err := s.governor.Admit(caller.ClientID); err != nil {
		return nil, err
	}
	snapshot := s.index.Snapshot()
	if snapshot == nil {
		return nil, domain.WrapError(domain.ErrStore, "get chunk", errors.New("no corpus loaded"))
	}
	return snapshot.Get(id)
}

func (s *SearchService) Categories(_ context.Context, caller domain.Caller) (map[string]string, error) {
	if err := s.governor.Admit(caller.ClientID); err != nil {
		return nil, err
	}
	return s.taxonomy.CategoryDescriptions(), nil
}

func (s *SearchService) Technologies(_ context.Context, caller domain.Caller) ([]domain.Technology, error) {
	if err := s.governor.Admit(caller.ClientID); err != nil {
		return nil, err
	}
	out := make([]domain.Technology, len(s.taxonomy.Technologies))
	copy(out, s.taxonomy.Technologies)
	return out, nil
}

func deadlineError(ctx context.Context, operation string) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrTimeout, operation, err)
	case err != nil:
		return fmt.Errorf("%s: %w", operation, err)
	default:
		return nil
	}
}

func filtersApplied(q domain.SearchQuery) domain.FiltersApplied {
	out := domain.FiltersApplied{MinSimilarity: q.MinSimilarity}
	if q.Filter.Category != "" {
		v := q.Filter.Category
		out.Category = &v
	}
	if q.Filter.Technology != "" {
		v := q.Filter.Technology
		out.Technology = &v
	}
	if q.Filter.DocType != "" {
		v := string(q.Filter.DocType)
		out.DocType = &v
	}
	return out
}
