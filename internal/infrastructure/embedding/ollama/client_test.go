package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

type fakeOllama struct {
	showCalls  atomic.Int32
	embedCalls atomic.Int32
	// embedStatus returns the status for the n-th embed call (1-based); 0 means success.
	embedStatus func(n int32) int
	dim         int
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/show":
			f.showCalls.Add(1)
			_, _ = w.Write([]byte(`{"modelfile":"FROM nomic-embed-text"}`))
		case "/api/embed":
			n := f.embedCalls.Add(1)
			if f.embedStatus != nil {
				if status := f.embedStatus(n); status != 0 {
					http.Error(w, "model is loading", status)
					return
				}
			}
			var payload struct {
				Model string   `json:"model"`
				Input []string `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode request: %v", err)
			}
			vec := make([]float32, f.dim)
			vec[0] = float32(len(payload.Input[0]))
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{vec}})
		default:
			http.NotFound(w, r)
		}
	})
}

func testGuard() *resilience.Guard {
	p := resilience.OneRetry()
	p.FirstWait = time.Millisecond
	p.TripAfter = 0
	return resilience.New("ollama.embed", p)
}

func newTestEmbedder(t *testing.T, fake *fakeOllama) *Embedder {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	return NewEmbedder(New(server.URL, "nomic-embed-text", 5*time.Second), fake.dim, testGuard())
}

func TestEmbedQueryLoadsModelOnce(t *testing.T) {
	fake := &fakeOllama{dim: 4}
	embedder := newTestEmbedder(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := embedder.EmbedQuery(context.Background(), "react hooks"); err != nil {
				t.Errorf("EmbedQuery() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fake.showCalls.Load(); got != 1 {
		t.Fatalf("expected one model check, got %d", got)
	}
	if got := fake.embedCalls.Load(); got != 8 {
		t.Fatalf("expected 8 embed calls, got %d", got)
	}

	embedder.Close()
	if _, err := embedder.EmbedQuery(context.Background(), "again"); err != nil {
		t.Fatalf("EmbedQuery() after Close error = %v", err)
	}
	if got := fake.showCalls.Load(); got != 2 {
		t.Fatalf("expected model check after Close, got %d", got)
	}
}

func TestEmbedQueryRetriesTransientFailureOnce(t *testing.T) {
	fake := &fakeOllama{dim: 4, embedStatus: func(n int32) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}}
	embedder := newTestEmbedder(t, fake)

	vec, err := embedder.EmbedQuery(context.Background(), "abc")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 4 || vec[0] != 3 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	if got := fake.embedCalls.Load(); got != 2 {
		t.Fatalf("expected 2 embed calls, got %d", got)
	}
}

func TestEmbedQueryGivesUpAfterOneRetry(t *testing.T) {
	fake := &fakeOllama{dim: 4, embedStatus: func(int32) int { return http.StatusBadGateway }}
	embedder := newTestEmbedder(t, fake)

	_, err := embedder.EmbedQuery(context.Background(), "abc")
	if !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected transient failure to be marked temporary, got %v", err)
	}
	if !strings.Contains(err.Error(), "model is loading") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if got := fake.embedCalls.Load(); got != 2 {
		t.Fatalf("expected 2 embed calls, got %d", got)
	}
}

func TestEmbedQueryDoesNotRetryClientError(t *testing.T) {
	fake := &fakeOllama{dim: 4, embedStatus: func(int32) int { return http.StatusBadRequest }}
	embedder := newTestEmbedder(t, fake)

	if _, err := embedder.EmbedQuery(context.Background(), "abc"); !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if got := fake.embedCalls.Load(); got != 1 {
		t.Fatalf("expected 1 embed call, got %d", got)
	}
}

func TestEmbedQueryRejectsWrongDimension(t *testing.T) {
	fake := &fakeOllama{dim: 3}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()
	embedder := NewEmbedder(New(server.URL, "nomic-embed-text", time.Second), 768, testGuard())

	_, err := embedder.EmbedQuery(context.Background(), "abc")
	if !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if got := fake.embedCalls.Load(); got != 1 {
		t.Fatalf("dimension mismatch must not be retried, got %d calls", got)
	}
}

func TestEmbedQueryRejectsOversizeInputWithoutCalling(t *testing.T) {
	fake := &fakeOllama{dim: 4}
	embedder := newTestEmbedder(t, fake)

	_, err := embedder.EmbedQuery(context.Background(), strings.Repeat("x", MaxInputChars+1))
	if !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if fake.showCalls.Load() != 0 || fake.embedCalls.Load() != 0 {
		t.Fatalf("oversize input must not reach the server")
	}
}
