package domain

import "time"

const (
	MaxQueryChars        = 1000
	DefaultLimit         = 10
	MinLimit             = 1
	MaxLimit             = 100
	DefaultMinSimilarity = 0.3
)

// SearchParams is the raw, untrusted request shape. Pointers distinguish absent from zero.
type SearchParams struct {
	Query         string   `json:"query"`
	Limit         *int     `json:"limit,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
	Category      *string  `json:"category,omitempty"`
	Technology    *string  `json:"technology,omitempty"`
	DocType       *string  `json:"doc_type,omitempty"`
}

// SearchQuery is a validated request. Only the validator constructs it.
type SearchQuery struct {
	Text          string
	Limit         int
	MinSimilarity float64
	Filter        SearchFilter
}

// SearchFilter narrows the candidate set before ranking. Empty fields match everything.
type SearchFilter struct {
	Category   string
	Technology string
	DocType    ContentType
}

type SearchResult struct {
	Chunk      *Chunk  `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

type FiltersApplied struct {
	Category      *string `json:"category"`
	Technology    *string `json:"technology"`
	DocType       *string `json:"doc_type"`
	MinSimilarity float64 `json:"min_similarity"`
}

type QueryMetadata struct {
	Query           string         `json:"query"`
	TotalResults    int            `json:"total_results"`
	FiltersApplied  FiltersApplied `json:"filters_applied"`
	ElapsedMS       float64        `json:"elapsed_ms"`
	Truncated       bool           `json:"truncated"`
	SnapshotVersion uint64         `json:"snapshot_version"`
}

type SearchResponse struct {
	Results       []SearchResult `json:"results"`
	QueryMetadata QueryMetadata  `json:"query_metadata"`
}

// AuditEvent is emitted once per handled request. It never carries embeddings or chunk content.
type AuditEvent struct {
	EventID     string    `json:"event_id"`
	RequestID   string    `json:"request_id,omitempty"`
	ClientID    string    `json:"client_id"`
	Method      string    `json:"method"`
	Query       string    `json:"query,omitempty"`
	ResultCount int       `json:"result_count"`
	Outcome     string    `json:"outcome"`
	ElapsedMS   float64   `json:"elapsed_ms"`
	Truncated   bool      `json:"truncated,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// StoreInfo summarizes the active snapshot.
type StoreInfo struct {
	Version        uint64    `json:"version"`
	Chunks         int       `json:"chunks"`
	Dimension      int       `json:"dimension"`
	EmbeddingModel string    `json:"embedding_model"`
	LoadedAt       time.Time `json:"loaded_at"`
}

// Caller identifies who issued a request, for rate limiting and audit.
type Caller struct {
	ClientID  string
	RequestID string
}

// Candidate pairs a chunk with its unit-normalized float64 embedding.
type Candidate struct {
	Chunk  *Chunk
	Vector []float64
}
