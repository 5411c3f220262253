package memory

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// TieEpsilon is the similarity distance under which two scores count as equal.
const TieEpsilon = 1e-9

const defaultBatchSize = 1024

type RankerConfig struct {
	Workers   int
	BatchSize int
}

// Ranker scores candidates by cosine similarity mapped to [0,1] as (cos+1)/2.
// Large candidate sets are split into batches scored on a shared worker pool.
type Ranker struct {
	pool      *ants.Pool
	batchSize int
}

func NewRanker(cfg RankerConfig) (*Ranker, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create ranker pool: %w", err)
	}
	return &Ranker{pool: pool, batchSize: batchSize}, nil
}

func (r *Ranker) Release() {
	if r.pool != nil {
		r.pool.Release()
	}
}

type scored struct {
	chunk      *domain.Chunk
	similarity float64
}

func (r *Ranker) Rank(ctx context.Context, query []float32, candidates []domain.Candidate, minSimilarity float64, limit int) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || len(candidates) == 0 {
		return []domain.SearchResult{}, nil
	}
	q := Normalize(query)

	var merged []scored
	if len(candidates) <= r.batchSize {
		merged = scoreBatch(q, candidates, minSimilarity, limit)
	} else {
		partials, err := r.scoreParallel(ctx, q, candidates, minSimilarity, limit)
		if err != nil {
			return nil, err
		}
		for _, p := range partials {
			merged = append(merged, p...)
		}
		sortScored(merged)
		if len(merged) > limit {
			merged = merged[:limit]
		}
	}

	out := make([]domain.SearchResult, len(merged))
	for i, s := range merged {
		out[i] = domain.SearchResult{Chunk: s.chunk, Similarity: s.similarity, Rank: i + 1}
	}
	return out, nil
}

func (r *Ranker) scoreParallel(ctx context.Context, q []float64, candidates []domain.Candidate, minSimilarity float64, limit int) ([][]scored, error) {
	batches := (len(candidates) + r.batchSize - 1) / r.batchSize
	partials := make([][]scored, batches)

	var wg sync.WaitGroup
	for b := 0; b < batches; b++ {
		if ctx.Err() != nil {
			break
		}
		lo := b * r.batchSize
		hi := min(lo+r.batchSize, len(candidates))
		batch := candidates[lo:hi]
		slot := b

		task := func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			partials[slot] = scoreBatch(q, batch, minSimilarity, limit)
		}
		wg.Add(1)
		if r.pool == nil || r.pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return partials, nil
}

// scoreBatch returns the local top-limit of one batch, already ordered.
func scoreBatch(q []float64, batch []domain.Candidate, minSimilarity float64, limit int) []scored {
	var out []scored
	for _, c := range batch {
		sim := Similarity(q, c.Vector)
		if sim < minSimilarity {
			continue
		}
		out = append(out, scored{chunk: c.Chunk, similarity: sim})
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Similarity maps the cosine of two unit vectors into [0,1]. Nil (zero) vectors score 0.
func Similarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	dot = math.Max(-1, math.Min(1, dot))
	return (dot + 1) / 2
}

func sortScored(s []scored) {
	slices.SortStableFunc(s, func(a, b scored) int {
		if math.Abs(a.similarity-b.similarity) > TieEpsilon {
			if a.similarity > b.similarity {
				return -1
			}
			return 1
		}
		return strings.Compare(a.chunk.ID, b.chunk.ID)
	})
}
