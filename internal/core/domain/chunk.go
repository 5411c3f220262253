package domain

import (
	"errors"
	"time"
)

const (
	// MaxChunkContentChars bounds the content of a single chunk.
	MaxChunkContentChars = 8192
	// DefaultEmbeddingDim matches the 768-wide sentence encoders the corpus is usually built with.
	DefaultEmbeddingDim = 768
	// CorpusSchemaVersion is the only persisted corpus layout this build understands.
	CorpusSchemaVersion = "1.0.0"
)

type ContentType string

const (
	ContentText ContentType = "text"
	ContentCode ContentType = "code"
)

type ChunkMetadata struct {
	Type         ContentType `json:"type"`
	SourceURL    string      `json:"source_url,omitempty"`
	SourceFile   string      `json:"source_file,omitempty"`
	DocTitle     string      `json:"doc_title,omitempty"`
	Category     string      `json:"category,omitempty"`
	Technology   string      `json:"technology,omitempty"`
	Complexity   float64     `json:"complexity,omitempty"`
	SectionTitle string      `json:"section_title,omitempty"`
	SectionLevel int         `json:"section_level,omitempty"`
	ParentTitle  string      `json:"parent_title,omitempty"`
	ScrapedAt    string      `json:"scraped_at,omitempty"`
}

// Chunk is immutable after ingestion. Embedding is never serialized to callers.
type Chunk struct {
	ID        string        `json:"chunk_id"`
	Content   string        `json:"content"`
	Metadata  ChunkMetadata `json:"metadata"`
	ParentDoc string        `json:"parent_doc,omitempty"`
	Position  int           `json:"position"`
	Tokens    int           `json:"tokens"`
	Embedding []float32     `json:"-"`
}

// Manifest describes a persisted corpus.
type Manifest struct {
	SchemaVersion  string    `json:"version"`
	EmbeddingModel string    `json:"embedding_model"`
	EmbeddingDim   int       `json:"embedding_dim"`
	ChunkCount     int       `json:"chunk_count"`
	BuiltAt        time.Time `json:"built_at"`
}

// Corpus is the unit a vector store is built from.
type Corpus struct {
	Manifest Manifest
	Chunks   []Chunk
}

// CheckSchemaVersion rejects persisted corpora written in another layout.
func CheckSchemaVersion(version string) error {
	if version == CorpusSchemaVersion {
		return nil
	}
	if version == "" {
		version = "<missing>"
	}
	return WrapError(ErrStore, "check corpus schema",
		WrapError(ErrMigrationRequired, "schema version "+version, errSchemaExpected))
}

var errSchemaExpected = errors.New("expected schema version " + CorpusSchemaVersion)
