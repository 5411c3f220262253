package usecase

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/corpus/demo"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/docsearch/internal/infrastructure/vector/memory"
)

// fixedEmbedder returns the same vector for every query. When gate is set it
// blocks until the gate is closed or the context ends.
type fixedEmbedder struct {
	vec     []float32
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	err     error
}

func (e *fixedEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	e.calls.Add(1)
	if e.entered != nil {
		close(e.entered)
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func (e *fixedEmbedder) Dimension() int { return len(e.vec) }

func (e *fixedEmbedder) Model() string { return "fixed" }

type countingRanker struct {
	inner ports.Ranker
	calls atomic.Int32
}

func (r *countingRanker) Rank(ctx context.Context, query []float32, candidates []domain.Candidate, minSimilarity float64, limit int) ([]domain.SearchResult, error) {
	r.calls.Add(1)
	return r.inner.Rank(ctx, query, candidates, minSimilarity, limit)
}

type observerFake struct {
	outcomes []string
}

func (o *observerFake) ObserveSearch(outcome string, _ int, _ float64) {
	o.outcomes = append(o.outcomes, outcome)
}

func (o *observerFake) ObserveRebuild(string, int) {}

func newTestRanker(t *testing.T) *countingRanker {
	t.Helper()
	r, err := memory.NewRanker(memory.RankerConfig{Workers: 2})
	if err != nil {
		t.Fatalf("NewRanker() error = %v", err)
	}
	t.Cleanup(r.Release)
	return &countingRanker{inner: r}
}

func publish(t *testing.T, index *memory.Index, chunks ...domain.Chunk) domain.StoreInfo {
	t.Helper()
	info, err := index.Publish(&domain.Corpus{
		Manifest: domain.Manifest{
			SchemaVersion: domain.CorpusSchemaVersion,
			EmbeddingDim:  len(chunks[0].Embedding),
			ChunkCount:    len(chunks),
		},
		Chunks: chunks,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	return info
}

func vecChunk(id string, vec ...float32) domain.Chunk {
	return domain.Chunk{
		ID:        id,
		Content:   "content of " + id,
		Metadata:  domain.ChunkMetadata{Type: domain.ContentText, Category: "guides", Technology: "React"},
		Embedding: vec,
	}
}

type demoService struct {
	svc      *SearchService
	embedder *hashing.Embedder
	ranker   *countingRanker
	observer *observerFake
}

func newDemoService(t *testing.T, governor *Governor) demoService {
	t.Helper()
	embedder := hashing.New(domain.DefaultEmbeddingDim)
	corpus, err := demo.NewSource(embedder).Load(context.Background())
	if err != nil {
		t.Fatalf("demo Load() error = %v", err)
	}
	index := memory.NewIndex()
	if _, err := index.Publish(corpus); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	ranker := newTestRanker(t)
	observer := &observerFake{}
	svc := NewSearchService(SearchDeps{
		Taxonomy: domain.DefaultTaxonomy(),
		Governor: governor,
		Embedder: embedder,
		Index:    index,
		Ranker:   ranker,
		Observer: observer,
	})
	return demoService{svc: svc, embedder: embedder, ranker: ranker, observer: observer}
}

func TestSearchFindsReactHooksChunk(t *testing.T) {
	env := newDemoService(t, nil)

	resp, err := env.svc.Search(context.Background(), domain.Caller{ClientID: "test"}, domain.SearchParams{
		Query:      "How do I use React hooks?",
		Limit:      ptr(5),
		Technology: ptr("React"),
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected only the React chunk, got %d results", len(resp.Results))
	}
	top := resp.Results[0]
	if top.Chunk.ID != "react_001" || top.Rank != 1 {
		t.Fatalf("unexpected top result: %s rank %d", top.Chunk.ID, top.Rank)
	}
	if top.Similarity < domain.DefaultMinSimilarity || top.Similarity > 1 {
		t.Fatalf("similarity out of range: %v", top.Similarity)
	}
	meta := resp.QueryMetadata
	if meta.TotalResults != 1 || meta.FiltersApplied.Technology == nil || *meta.FiltersApplied.Technology != "React" {
		t.Fatalf("unexpected query metadata: %+v", meta)
	}
	if meta.FiltersApplied.Category != nil || meta.FiltersApplied.DocType != nil {
		t.Fatalf("unset filters must be reported as nil: %+v", meta.FiltersApplied)
	}

	unfiltered, err := env.svc.Search(context.Background(), domain.Caller{ClientID: "test"}, domain.SearchParams{
		Query: "How do I use React hooks?",
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(unfiltered.Results) == 0 || unfiltered.Results[0].Chunk.ID != "react_001" {
		t.Fatalf("expected react_001 to rank first without filters, got %+v", unfiltered.Results)
	}
	for i := 1; i < len(unfiltered.Results); i++ {
		if unfiltered.Results[i].Similarity > unfiltered.Results[i-1].Similarity {
			t.Fatalf("results not ordered by similarity")
		}
	}
	if len(env.observer.outcomes) != 2 || env.observer.outcomes[0] != OutcomeOK {
		t.Fatalf("unexpected observed outcomes: %v", env.observer.outcomes)
	}
}

func TestSearchIsIdempotent(t *testing.T) {
	env := newDemoService(t, nil)
	params := domain.SearchParams{Query: "utility css classes", MinSimilarity: ptr(0.0)}

	first, err := env.svc.Search(context.Background(), domain.Caller{}, params)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	second, err := env.svc.Search(context.Background(), domain.Caller{}, params)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(first.Results) != len(second.Results) {
		t.Fatalf("result counts differ: %d vs %d", len(first.Results), len(second.Results))
	}
	for i := range first.Results {
		a, b := first.Results[i], second.Results[i]
		if a.Chunk.ID != b.Chunk.ID || a.Similarity != b.Similarity {
			t.Fatalf("result %d differs: %s/%v vs %s/%v", i, a.Chunk.ID, a.Similarity, b.Chunk.ID, b.Similarity)
		}
	}
}

func TestSearchRejectsUnknownEnumBeforeRanking(t *testing.T) {
	env := newDemoService(t, NewGovernor(GovernorConfig{RatePerSecond: 1, Burst: 1}))

	_, err := env.svc.Search(context.Background(), domain.Caller{ClientID: "c"}, domain.SearchParams{
		Query:      "hooks",
		Technology: ptr("Angular"),
	})
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := env.ranker.calls.Load(); got != 0 {
		t.Fatalf("expected zero ranker calls, got %d", got)
	}

	// The rejected request must not have spent the client's only token.
	if _, err := env.svc.Search(context.Background(), domain.Caller{ClientID: "c"}, domain.SearchParams{Query: "hooks"}); err != nil {
		t.Fatalf("expected valid request to be admitted, got %v", err)
	}
	if env.observer.outcomes[0] != OutcomeValidationFailed {
		t.Fatalf("expected validation outcome, got %v", env.observer.outcomes)
	}
}

func TestSearchRejectsOversizeQueryWithoutEmbedding(t *testing.T) {
	embedder := &fixedEmbedder{vec: []float32{1, 0}}
	index := memory.NewIndex()
	publish(t, index, vecChunk("a", 1, 0))
	svc := NewSearchService(SearchDeps{Taxonomy: domain.DefaultTaxonomy(), Embedder: embedder, Index: index, Ranker: newTestRanker(t)})

	_, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: strings.Repeat("q", domain.MaxQueryChars+1)})
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := embedder.calls.Load(); got != 0 {
		t.Fatalf("expected zero embedder calls, got %d", got)
	}
}

func TestSearchRateLimitsAfterBurst(t *testing.T) {
	env := newDemoService(t, NewGovernor(GovernorConfig{RatePerSecond: 0.001, Burst: 2}))
	caller := domain.Caller{ClientID: "burst"}

	for i := 0; i < 2; i++ {
		if _, err := env.svc.Search(context.Background(), caller, domain.SearchParams{Query: "clerk"}); err != nil {
			t.Fatalf("request %d error = %v", i+1, err)
		}
	}
	_, err := env.svc.Search(context.Background(), caller, domain.SearchParams{Query: "clerk"})
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected RateLimitError with retry-after, got %v", err)
	}
}

func TestSearchKeepsSnapshotAcrossRebuild(t *testing.T) {
	embedder := &fixedEmbedder{vec: []float32{1, 0}, entered: make(chan struct{}), gate: make(chan struct{})}
	index := memory.NewIndex()
	oldInfo := publish(t, index, vecChunk("old", 1, 0))
	svc := NewSearchService(SearchDeps{Taxonomy: domain.DefaultTaxonomy(), Embedder: embedder, Index: index, Ranker: newTestRanker(t)})

	type outcome struct {
		resp *domain.SearchResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: "anything"})
		done <- outcome{resp, err}
	}()

	<-embedder.entered
	newInfo := publish(t, index, vecChunk("new", 1, 0))
	if newInfo.Version <= oldInfo.Version {
		t.Fatalf("expected newer version, got %d after %d", newInfo.Version, oldInfo.Version)
	}
	close(embedder.gate)

	got := <-done
	if got.err != nil {
		t.Fatalf("Search() error = %v", got.err)
	}
	if got.resp.QueryMetadata.SnapshotVersion != oldInfo.Version {
		t.Fatalf("expected snapshot %d, got %d", oldInfo.Version, got.resp.QueryMetadata.SnapshotVersion)
	}
	if len(got.resp.Results) != 1 || got.resp.Results[0].Chunk.ID != "old" {
		t.Fatalf("expected results from the old snapshot, got %+v", got.resp.Results)
	}
}

func TestSearchTimesOut(t *testing.T) {
	embedder := &fixedEmbedder{vec: []float32{1, 0}, gate: make(chan struct{})}
	index := memory.NewIndex()
	publish(t, index, vecChunk("a", 1, 0))
	svc := NewSearchService(SearchDeps{
		Taxonomy: domain.DefaultTaxonomy(),
		Governor: NewGovernor(GovernorConfig{Timeout: 20 * time.Millisecond}),
		Embedder: embedder,
		Index:    index,
		Ranker:   newTestRanker(t),
	})

	_, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: "slow"})
	if !domain.IsKind(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if Outcome(err) != OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %s", Outcome(err))
	}
}

func TestSearchEmbeddingFailures(t *testing.T) {
	index := memory.NewIndex()
	publish(t, index, vecChunk("a", 1, 0))

	broken := &fixedEmbedder{vec: []float32{1, 0}, err: errors.New("model crashed")}
	svc := NewSearchService(SearchDeps{Taxonomy: domain.DefaultTaxonomy(), Embedder: broken, Index: index, Ranker: newTestRanker(t)})
	if _, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: "q"}); !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}

	wrongDim := &fixedEmbedder{vec: []float32{1, 0, 0}}
	svc = NewSearchService(SearchDeps{Taxonomy: domain.DefaultTaxonomy(), Embedder: wrongDim, Index: index, Ranker: newTestRanker(t)})
	if _, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: "q"}); !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding for dimension mismatch, got %v", err)
	}
}

func TestSearchWithoutCorpusIsStoreError(t *testing.T) {
	svc := NewSearchService(SearchDeps{
		Taxonomy: domain.DefaultTaxonomy(),
		Embedder: &fixedEmbedder{vec: []float32{1, 0}},
		Index:    memory.NewIndex(),
		Ranker:   newTestRanker(t),
	})
	if _, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: "q"}); !domain.IsKind(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestSearchClampsToByteBudget(t *testing.T) {
	index := memory.NewIndex()
	publish(t, index, vecChunk("a", 1, 0), vecChunk("b", 0.9, 0.1), vecChunk("c", 0.8, 0.2))
	svc := NewSearchService(SearchDeps{
		Taxonomy: domain.DefaultTaxonomy(),
		Governor: NewGovernor(GovernorConfig{ResultByteBudget: 1}),
		Embedder: &fixedEmbedder{vec: []float32{1, 0}},
		Index:    index,
		Ranker:   newTestRanker(t),
	})

	resp, err := svc.Search(context.Background(), domain.Caller{}, domain.SearchParams{Query: "q"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Results) != 1 || !resp.QueryMetadata.Truncated {
		t.Fatalf("expected one truncated result, got %d truncated=%v", len(resp.Results), resp.QueryMetadata.Truncated)
	}
	if resp.Results[0].Chunk.ID != "a" {
		t.Fatalf("expected best match kept, got %s", resp.Results[0].Chunk.ID)
	}
}

func TestGetChunk(t *testing.T) {
	env := newDemoService(t, nil)
	caller := domain.Caller{ClientID: "c"}

	chunk, err := env.svc.GetChunk(context.Background(), caller, "convex_001")
	if err != nil {
		t.Fatalf("GetChunk() error = %v", err)
	}
	if chunk.Metadata.Technology != "Convex" || !strings.HasPrefix(chunk.Content, "Convex is") {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}

	if _, err := env.svc.GetChunk(context.Background(), caller, "missing_001"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, id := range []string{"", "  ", "bad\x00id", strings.Repeat("x", 257)} {
		if _, err := env.svc.GetChunk(context.Background(), caller, id); !domain.IsKind(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for %q, got %v", id, err)
		}
	}
}

func TestCatalogs(t *testing.T) {
	env := newDemoService(t, nil)
	ctx := context.Background()
	caller := domain.Caller{ClientID: "c1"}
	categories, err := env.svc.Categories(ctx, caller)
	if err != nil || len(categories) != 10 || categories["mcp"] == "" {
		t.Fatalf("unexpected categories: %v (%v)", categories, err)
	}
	techs, _ := env.svc.Technologies(ctx, caller)
	techs[0].Name = "mutated"
	again, _ := env.svc.Technologies(ctx, caller)
	if again[0].Name == "mutated" {
		t.Fatalf("Technologies must return a copy")
	}
}

func TestCatalogsShareTheSearchRateLimit(t *testing.T) {
	env := newDemoService(t, NewGovernor(GovernorConfig{RatePerSecond: 0.001, Burst: 2}))
	ctx := context.Background()
	caller := domain.Caller{ClientID: "c1"}

	if _, err := env.svc.Categories(ctx, caller); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := env.svc.Technologies(ctx, caller); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if _, err := env.svc.Categories(ctx, caller); !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited past the burst, got %v", err)
	}
	if _, err := env.svc.Search(ctx, caller, domain.SearchParams{Query: "react"}); !domain.IsKind(err, domain.ErrRateLimited) {
		t.Fatalf("catalog calls must draw from the same bucket, got %v", err)
	}
	if _, err := env.svc.Technologies(ctx, domain.Caller{ClientID: "c2"}); err != nil {
		t.Fatalf("other clients keep their own bucket: %v", err)
	}
}
