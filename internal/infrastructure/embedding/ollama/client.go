package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

// MaxInputChars caps what is sent to the model server.
const MaxInputChars = 8192

type Client struct {
	baseURL    string
	embedModel string
	httpClient *http.Client
}

func New(baseURL, embedModel string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Embedder produces query vectors through Ollama's /api/embed. The model is
// checked once on first use and the result is kept until Close.
type Embedder struct {
	client *Client
	dim    int
	guard  *resilience.Guard

	loads  singleflight.Group
	loaded atomic.Bool
}

func NewEmbedder(client *Client, dim int, guard *resilience.Guard) *Embedder {
	return &Embedder{
		client: client,
		dim:    dim,
		guard:  guard,
	}
}

func (e *Embedder) Dimension() int { return e.dim }

func (e *Embedder) Model() string { return e.client.embedModel }

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if n := utf8.RuneCountInString(text); n > MaxInputChars {
		return nil, domain.WrapError(domain.ErrEmbedding, "ollama embed",
			fmt.Errorf("input has %d characters, limit is %d", n, MaxInputChars))
	}

	vec, err := resilience.Call(ctx, e.guard, func(ctx context.Context) ([]float32, error) {
		if err := e.ensureModel(ctx); err != nil {
			return nil, err
		}
		return e.embed(ctx, text)
	}, classifyOllamaError)
	if err != nil {
		if domain.IsKind(err, domain.ErrEmbedding) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrEmbedding, "ollama embed", wrapTemporaryIfNeeded("ollama embed", err))
	}
	return vec, nil
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	request := map[string]any{
		"model": e.client.embedModel,
		"input": []string{text},
	}
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != 1 {
		return nil, domain.WrapError(domain.ErrEmbedding, "ollama embed",
			fmt.Errorf("expected 1 embedding, got %d", len(response.Embeddings)))
	}
	vec := response.Embeddings[0]
	if e.dim > 0 && len(vec) != e.dim {
		return nil, domain.WrapError(domain.ErrEmbedding, "ollama embed",
			fmt.Errorf("model %s returned %d dimensions, expected %d", e.client.embedModel, len(vec), e.dim))
	}
	return vec, nil
}

// ensureModel asks the server for the model once. Concurrent first callers
// share one request; a failed check is retried on the next call.
func (e *Embedder) ensureModel(ctx context.Context) error {
	if e.loaded.Load() {
		return nil
	}
	_, err, _ := e.loads.Do("show", func() (any, error) {
		if e.loaded.Load() {
			return nil, nil
		}
		request := map[string]any{"model": e.client.embedModel}
		if err := e.client.postJSON(ctx, "/api/show", request, nil, "show"); err != nil {
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
				return nil, domain.WrapError(domain.ErrEmbedding, "ollama show",
					fmt.Errorf("model %s is not available", e.client.embedModel))
			}
			return nil, err
		}
		e.loaded.Store(true)
		return nil, nil
	})
	return err
}

// Close drops the loaded flag and idle connections to the model server.
func (e *Embedder) Close() {
	e.loaded.Store(false)
	e.client.httpClient.CloseIdleConnections()
}
