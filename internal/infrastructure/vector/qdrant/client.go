package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const scrollPageSize = 256

// Client reads a whole collection (payloads and vectors) and turns it into a
// corpus for the in-memory store. Search itself never goes to Qdrant.
type Client struct {
	baseURL    string
	collection string
	vectorName string
	model      string
	taxonomy   domain.Taxonomy
	httpClient *http.Client
}

// New builds a client for collection. vectorName selects a named vector and
// may be empty for collections with a single unnamed vector. model is
// recorded in the manifest since Qdrant does not store it. taxonomy fills in
// metadata missing from point payloads.
func New(baseURL, collection, vectorName, model string, taxonomy domain.Taxonomy) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		vectorName: vectorName,
		model:      model,
		taxonomy:   taxonomy,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type pointPayload struct {
	ChunkID   string               `json:"chunk_id"`
	Content   string               `json:"content"`
	Text      string               `json:"text"`
	Metadata  domain.ChunkMetadata `json:"metadata"`
	ParentDoc string               `json:"parent_doc"`
	Position  int                  `json:"position"`
	Tokens    int                  `json:"tokens"`
}

type point struct {
	ID      json.RawMessage `json:"id"`
	Payload pointPayload    `json:"payload"`
	Vector  json.RawMessage `json:"vector"`
}

func (c *Client) Load(ctx context.Context) (*domain.Corpus, error) {
	dim, err := c.vectorSize(ctx)
	if err != nil {
		return nil, err
	}

	var chunks []domain.Chunk
	var offset json.RawMessage
	for {
		reqBody := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  true,
		}
		if c.vectorName != "" {
			reqBody["with_vector"] = []string{c.vectorName}
		}
		if len(offset) > 0 {
			reqBody["offset"] = offset
		}

		var scrollResp struct {
			Result struct {
				Points         []point         `json:"points"`
				NextPageOffset json.RawMessage `json:"next_page_offset"`
			} `json:"result"`
		}
		url := fmt.Sprintf("%s/collections/%s/points/scroll", c.baseURL, c.collection)
		if err := c.do(ctx, http.MethodPost, url, reqBody, &scrollResp, "scroll"); err != nil {
			return nil, err
		}

		for _, p := range scrollResp.Result.Points {
			chunk, err := c.toChunk(p)
			if err != nil {
				return nil, storeErr("decode point", err)
			}
			chunks = append(chunks, chunk)
		}

		next := scrollResp.Result.NextPageOffset
		if len(next) == 0 || string(next) == "null" {
			break
		}
		offset = next
	}

	return &domain.Corpus{
		Manifest: domain.Manifest{
			SchemaVersion:  domain.CorpusSchemaVersion,
			EmbeddingModel: c.model,
			EmbeddingDim:   dim,
			ChunkCount:     len(chunks),
			BuiltAt:        time.Now().UTC(),
		},
		Chunks: chunks,
	}, nil
}

func (c *Client) vectorSize(ctx context.Context) (int, error) {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors json.RawMessage `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	if err := c.do(ctx, http.MethodGet, url, nil, &info, "collection info"); err != nil {
		return 0, err
	}

	type vectorParams struct {
		Size int `json:"size"`
	}
	raw := info.Result.Config.Params.Vectors
	if c.vectorName == "" {
		var params vectorParams
		if err := json.Unmarshal(raw, &params); err != nil || params.Size <= 0 {
			return 0, storeErr("collection info", fmt.Errorf("collection %s has no unnamed vector", c.collection))
		}
		return params.Size, nil
	}
	var named map[string]vectorParams
	if err := json.Unmarshal(raw, &named); err != nil || named[c.vectorName].Size <= 0 {
		return 0, storeErr("collection info", fmt.Errorf("collection %s has no vector named %q", c.collection, c.vectorName))
	}
	return named[c.vectorName].Size, nil
}

func (c *Client) toChunk(p point) (domain.Chunk, error) {
	id := p.Payload.ChunkID
	if id == "" {
		id = strings.Trim(string(p.ID), `"`)
	}

	var vec []float32
	if c.vectorName == "" {
		if err := json.Unmarshal(p.Vector, &vec); err != nil {
			return domain.Chunk{}, fmt.Errorf("point %s vector: %w", id, err)
		}
	} else {
		var named map[string][]float32
		if err := json.Unmarshal(p.Vector, &named); err != nil {
			return domain.Chunk{}, fmt.Errorf("point %s vector: %w", id, err)
		}
		vec = named[c.vectorName]
	}

	content := p.Payload.Content
	if content == "" {
		content = p.Payload.Text
	}
	metadata := p.Payload.Metadata
	c.taxonomy.FillMetadata(&metadata)
	return domain.Chunk{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		ParentDoc: p.Payload.ParentDoc,
		Position:  p.Payload.Position,
		Tokens:    p.Payload.Tokens,
		Embedding: vec,
	}, nil
}

func (c *Client) do(ctx context.Context, method, url string, body any, out any, operation string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return storeErr(operation, fmt.Errorf("qdrant request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if text := strings.TrimSpace(string(msg)); text != "" {
			return storeErr(operation, fmt.Errorf("qdrant status: %s: %s", resp.Status, text))
		}
		return storeErr(operation, fmt.Errorf("qdrant status: %s", resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return storeErr(operation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func storeErr(op string, err error) error {
	return domain.WrapError(domain.ErrStore, "qdrant "+op, err)
}
