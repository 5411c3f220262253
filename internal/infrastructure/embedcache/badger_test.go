package embedcache

import (
	"context"
	"errors"
	"testing"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 0.5, -1}, nil
}

func (e *countingEmbedder) Dimension() int { return 3 }

func (e *countingEmbedder) Model() string { return "counting" }

func openTestCache(t *testing.T, inner *countingEmbedder, dir string) *CachedEmbedder {
	t.Helper()
	cache, err := Open(inner, Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return cache
}

func TestCachedEmbedderServesRepeatsFromCache(t *testing.T) {
	inner := &countingEmbedder{}
	cache := openTestCache(t, inner, "")
	defer cache.Close()

	first, err := cache.EmbedQuery(context.Background(), "react hooks")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	second, err := cache.EmbedQuery(context.Background(), "react hooks")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 inner call, got %d", inner.calls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d: %v vs %v", i, first, second)
		}
	}

	if _, err := cache.EmbedQuery(context.Background(), "convex"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected a miss for new text, got %d inner calls", inner.calls)
	}
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	errDown := errors.New("model down")
	inner := &countingEmbedder{err: errDown}
	cache := openTestCache(t, inner, "")
	defer cache.Close()

	for i := 0; i < 2; i++ {
		if _, err := cache.EmbedQuery(context.Background(), "q"); !errors.Is(err, errDown) {
			t.Fatalf("expected inner error, got %v", err)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("expected errors to bypass the cache, got %d calls", inner.calls)
	}
}

func TestCachedEmbedderPersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	inner := &countingEmbedder{}
	cache := openTestCache(t, inner, dir)
	if _, err := cache.EmbedQuery(context.Background(), "tailwind"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openTestCache(t, inner, dir)
	defer reopened.Close()
	if _, err := reopened.EmbedQuery(context.Background(), "tailwind"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected reopened cache to hit, got %d inner calls", inner.calls)
	}
}
