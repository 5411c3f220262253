// Package hashing implements an offline embedder based on signed feature hashing.
// It needs no model files, is deterministic across processes and is used for
// the demo corpus, tests and air-gapped deployments.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	ModelName     = "hashing-v1"
	MaxInputChars = domain.MaxChunkContentChars

	bigramWeight = 0.5
)

type Embedder struct {
	dim int
}

func New(dim int) *Embedder {
	if dim <= 0 {
		dim = domain.DefaultEmbeddingDim
	}
	return &Embedder{dim: dim}
}

func (e *Embedder) Dimension() int { return e.dim }

func (e *Embedder) Model() string { return ModelName }

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.EmbedText(text)
}

// EmbedText maps text to a unit vector. Text without any word tokens maps to the zero vector.
func (e *Embedder) EmbedText(text string) ([]float32, error) {
	if n := utf8.RuneCountInString(text); n > MaxInputChars {
		return nil, domain.WrapError(domain.ErrEmbedding, "hashing embed",
			fmt.Errorf("input has %d characters, limit is %d", n, MaxInputChars))
	}

	acc := make([]float64, e.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		e.add(acc, "u:"+tok, 1)
		if i > 0 {
			e.add(acc, "b:"+tokens[i-1]+" "+tok, bigramWeight)
		}
	}

	var sum float64
	for _, v := range acc {
		sum += v * v
	}
	out := make([]float32, e.dim)
	if sum == 0 {
		return out, nil
	}
	norm := math.Sqrt(sum)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (e *Embedder) add(acc []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	acc[bucket] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		out = append(out, stem(f))
	}
	return out
}

// stem strips a plural "s" so "hooks" and "hook" share a feature.
func stem(tok string) string {
	if len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return tok[:len(tok)-1]
	}
	return tok
}
