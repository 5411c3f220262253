// Package memory holds the in-process vector store, the atomically swapped
// index around it and the similarity ranker.
package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// resultEnvelopeBytes covers the similarity, rank and JSON punctuation around a serialized chunk.
const resultEnvelopeBytes = 64

// Store is an immutable snapshot of the corpus. All fields are written once in NewStore.
type Store struct {
	version        uint64
	manifest       domain.Manifest
	loadedAt       time.Time
	dimension      int
	candidates     []domain.Candidate
	byID           map[string]int
	byCategory     map[string][]int
	byTechnology   map[string][]int
	byType         map[domain.ContentType][]int
	maxResultBytes int
}

// NewStore validates the corpus and builds the lookup and filter indexes.
func NewStore(corpus *domain.Corpus, version uint64) (*Store, error) {
	if corpus == nil {
		return nil, storeErr(fmt.Errorf("corpus is nil"))
	}

	dim := corpus.Manifest.EmbeddingDim
	if dim <= 0 && len(corpus.Chunks) > 0 {
		dim = len(corpus.Chunks[0].Embedding)
	}
	if dim <= 0 {
		return nil, storeErr(fmt.Errorf("embedding dimension is unknown"))
	}
	if corpus.Manifest.ChunkCount > 0 && corpus.Manifest.ChunkCount != len(corpus.Chunks) {
		return nil, storeErr(fmt.Errorf("manifest declares %d chunks, corpus has %d", corpus.Manifest.ChunkCount, len(corpus.Chunks)))
	}

	s := &Store{
		version:      version,
		manifest:     corpus.Manifest,
		loadedAt:     time.Now().UTC(),
		dimension:    dim,
		candidates:   make([]domain.Candidate, 0, len(corpus.Chunks)),
		byID:         make(map[string]int, len(corpus.Chunks)),
		byCategory:   make(map[string][]int),
		byTechnology: make(map[string][]int),
		byType:       make(map[domain.ContentType][]int),
	}
	s.manifest.EmbeddingDim = dim
	s.manifest.ChunkCount = len(corpus.Chunks)

	for i := range corpus.Chunks {
		chunk := corpus.Chunks[i]
		if chunk.ID == "" {
			return nil, storeErr(fmt.Errorf("chunk at position %d has an empty id", i))
		}
		if _, dup := s.byID[chunk.ID]; dup {
			return nil, storeErr(fmt.Errorf("duplicate chunk id %q", chunk.ID))
		}
		if len(chunk.Embedding) != dim {
			return nil, storeErr(fmt.Errorf("chunk %q has %d dimensions, expected %d", chunk.ID, len(chunk.Embedding), dim))
		}
		if utf8.RuneCountInString(chunk.Content) > domain.MaxChunkContentChars {
			return nil, storeErr(fmt.Errorf("chunk %q content exceeds %d characters", chunk.ID, domain.MaxChunkContentChars))
		}
		if chunk.Metadata.Type == "" {
			chunk.Metadata.Type = domain.ContentText
		}

		idx := len(s.candidates)
		owned := chunk
		s.candidates = append(s.candidates, domain.Candidate{
			Chunk:  &owned,
			Vector: Normalize(chunk.Embedding),
		})
		s.byID[chunk.ID] = idx
		if chunk.Metadata.Category != "" {
			s.byCategory[chunk.Metadata.Category] = append(s.byCategory[chunk.Metadata.Category], idx)
		}
		if chunk.Metadata.Technology != "" {
			s.byTechnology[chunk.Metadata.Technology] = append(s.byTechnology[chunk.Metadata.Technology], idx)
		}
		s.byType[chunk.Metadata.Type] = append(s.byType[chunk.Metadata.Type], idx)

		size, err := resultSize(&owned)
		if err != nil {
			return nil, storeErr(fmt.Errorf("measure chunk %q: %w", chunk.ID, err))
		}
		if size > s.maxResultBytes {
			s.maxResultBytes = size
		}
	}
	return s, nil
}

func (s *Store) Info() domain.StoreInfo {
	return domain.StoreInfo{
		Version:        s.version,
		Chunks:         len(s.candidates),
		Dimension:      s.dimension,
		EmbeddingModel: s.manifest.EmbeddingModel,
		LoadedAt:       s.loadedAt,
	}
}

func (s *Store) Manifest() domain.Manifest { return s.manifest }

func (s *Store) Get(id string) (*domain.Chunk, error) {
	idx, ok := s.byID[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get chunk", fmt.Errorf("chunk %q", id))
	}
	return s.candidates[idx].Chunk, nil
}

// Candidates applies the filter before any vector work. With no filter the
// shared backing slice is returned as is.
func (s *Store) Candidates(filter domain.SearchFilter) []domain.Candidate {
	if filter.Category == "" && filter.Technology == "" && filter.DocType == "" {
		return s.candidates
	}

	// Walk the shortest posting list and check the remaining predicates per chunk.
	var postings []int
	first := true
	pick := func(list []int) {
		if first || len(list) < len(postings) {
			postings = list
			first = false
		}
	}
	if filter.Category != "" {
		pick(s.byCategory[filter.Category])
	}
	if filter.Technology != "" {
		pick(s.byTechnology[filter.Technology])
	}
	if filter.DocType != "" {
		pick(s.byType[filter.DocType])
	}

	out := make([]domain.Candidate, 0, len(postings))
	for _, idx := range postings {
		c := s.candidates[idx]
		meta := c.Chunk.Metadata
		if filter.Category != "" && meta.Category != filter.Category {
			continue
		}
		if filter.Technology != "" && meta.Technology != filter.Technology {
			continue
		}
		if filter.DocType != "" && meta.Type != filter.DocType {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Store) MaxResultBytes() int { return s.maxResultBytes }

func (s *Store) Len() int { return len(s.candidates) }

// Normalize converts to float64 and scales to unit length. A zero vector yields nil.
func Normalize(v []float32) []float64 {
	var sum float64
	for _, x := range v {
		f := float64(x)
		sum += f * f
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / norm
	}
	return out
}

func resultSize(chunk *domain.Chunk) (int, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return 0, err
	}
	return len(raw) + resultEnvelopeBytes, nil
}

func storeErr(err error) error {
	return domain.WrapError(domain.ErrStore, "build vector store", err)
}
