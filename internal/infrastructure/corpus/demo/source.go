// Package demo serves a small built-in corpus so the server is usable
// without any persisted data.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

var chunks = []domain.Chunk{
	{
		ID:      "react_001",
		Content: "React hooks like useState and useEffect allow you to use state and side effects in functional components. The useState hook returns a stateful value and a function to update it.",
		Metadata: domain.ChunkMetadata{
			Type: domain.ContentText, Category: "guides", Technology: "React",
			DocTitle: "React Hooks Guide", SourceURL: "https://react.dev/hooks",
		},
		Tokens: 30,
	},
	{
		ID:      "convex_001",
		Content: "Convex is a backend application platform with a built-in database that keeps your data in sync across all clients in real-time. It provides ACID transactions and automatic caching.",
		Metadata: domain.ChunkMetadata{
			Type: domain.ContentText, Category: "getting_started", Technology: "Convex",
			DocTitle: "Convex Overview", SourceURL: "https://docs.convex.dev",
		},
		Tokens: 28,
	},
	{
		ID:      "shadcn_001",
		Content: "Shadcn/ui provides copy-and-paste React components built with Radix UI and Tailwind CSS. Components are accessible, customizable, and open source.",
		Metadata: domain.ChunkMetadata{
			Type: domain.ContentText, Category: "getting_started", Technology: "Shadcn/ui",
			DocTitle: "Shadcn/ui Introduction", SourceURL: "https://ui.shadcn.com",
		},
		Tokens: 25,
	},
	{
		ID:      "tailwind_001",
		Content: "TailwindCSS is a utility-first CSS framework. Use utility classes like flex, pt-4, text-center and rotate-90 to build any design directly in your markup.",
		Metadata: domain.ChunkMetadata{
			Type: domain.ContentText, Category: "guides", Technology: "TailwindCSS",
			DocTitle: "TailwindCSS Basics", SourceURL: "https://tailwindcss.com",
		},
		Tokens: 28,
	},
	{
		ID:      "clerk_001",
		Content: "Clerk provides authentication and user management. It includes pre-built UI components, APIs for user operations, and integrations with popular frameworks.",
		Metadata: domain.ChunkMetadata{
			Type: domain.ContentText, Category: "authentication", Technology: "Clerk",
			DocTitle: "Clerk Authentication", SourceURL: "https://clerk.dev",
		},
		Tokens: 24,
	},
}

type Source struct {
	embedder ports.Embedder
}

func NewSource(embedder ports.Embedder) *Source {
	return &Source{embedder: embedder}
}

// Load embeds the sample chunks with the configured embedder so query and
// chunk vectors always share a model.
func (s *Source) Load(ctx context.Context) (*domain.Corpus, error) {
	out := make([]domain.Chunk, len(chunks))
	for i, chunk := range chunks {
		vec, err := s.embedder.EmbedQuery(ctx, chunk.Content)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStore, "demo embed "+chunk.ID, err)
		}
		chunk.Metadata.ParentTitle = chunk.Metadata.DocTitle
		chunk.Position = i
		chunk.Embedding = vec
		out[i] = chunk
	}
	if len(out) > 0 && len(out[0].Embedding) != s.embedder.Dimension() {
		return nil, domain.WrapError(domain.ErrStore, "demo embed",
			fmt.Errorf("embedder returned %d dimensions, declared %d", len(out[0].Embedding), s.embedder.Dimension()))
	}

	return &domain.Corpus{
		Manifest: domain.Manifest{
			SchemaVersion:  domain.CorpusSchemaVersion,
			EmbeddingModel: s.embedder.Model(),
			EmbeddingDim:   s.embedder.Dimension(),
			ChunkCount:     len(out),
			BuiltAt:        time.Now().UTC(),
		},
		Chunks: out,
	}, nil
}
