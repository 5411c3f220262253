package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/core/usecase"
)

// ClientID is the rate-limit identity of the single stdio peer.
const ClientID = "mcp"

type Config struct {
	Service ports.SearchService
	Audit   *usecase.AuditRecorder
	Logger  *slog.Logger
	Name    string
	Version string
}

// Server exposes the search tools through mcp-go.
type Server struct {
	service ports.SearchService
	audit   *usecase.AuditRecorder
	logger  *slog.Logger
	mcp     *server.MCPServer
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "docsearch"
	}
	if version == "" {
		version = "1.0.0"
	}

	s := &Server{service: cfg.Service, audit: cfg.Audit, logger: logger}
	s.mcp = server.NewMCPServer(name, version, server.WithToolCapabilities(false))

	s.mcp.AddTool(mcp.NewTool("search_documentation",
		mcp.WithDescription("Search technical documentation by semantic similarity"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (1-100, default 10)")),
		mcp.WithNumber("min_similarity", mcp.Description("Minimum similarity score in [0,1], default 0.3")),
		mcp.WithString("category", mcp.Description("Filter by documentation category")),
		mcp.WithString("technology", mcp.Description("Filter by technology")),
		mcp.WithString("doc_type", mcp.Enum("text", "code"), mcp.Description("Filter by content type")),
	), s.searchDocumentation)

	s.mcp.AddTool(mcp.NewTool("get_categories",
		mcp.WithDescription("List documentation categories with descriptions"),
	), s.getCategories)

	s.mcp.AddTool(mcp.NewTool("get_technologies",
		mcp.WithDescription("List supported technologies with keywords and categories"),
	), s.getTechnologies)

	s.mcp.AddTool(mcp.NewTool("get_chunk",
		mcp.WithDescription("Fetch one documentation chunk by id"),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Identifier of the chunk to fetch")),
	), s.getChunk)

	return s
}

// Serve speaks MCP over the given streams until ctx is cancelled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) searchDocumentation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	caller := domain.Caller{ClientID: ClientID}

	params, err := searchParams(request.GetArguments())
	var resp *domain.SearchResponse
	if err == nil {
		resp, err = s.service.Search(ctx, caller, params)
	}

	entry := usecase.AuditEntry{Caller: caller, Method: "search_documentation", Query: params.Query, Err: err, Elapsed: time.Since(start)}
	if resp != nil {
		entry.ResultCount = len(resp.Results)
		entry.Truncated = resp.QueryMetadata.Truncated
	}
	s.audit.Record(ctx, entry)

	if err != nil {
		return s.toolError(err), nil
	}
	return jsonResult(resp)
}

func (s *Server) getChunk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	caller := domain.Caller{ClientID: ClientID}

	id, err := request.RequireString("chunk_id")
	if err != nil {
		err = &domain.ValidationError{Field: "chunk_id", Reason: "is required"}
	}
	var chunk *domain.Chunk
	if err == nil {
		chunk, err = s.service.GetChunk(ctx, caller, id)
	}
	entry := usecase.AuditEntry{Caller: caller, Method: "get_chunk", Err: err, Elapsed: time.Since(start)}
	if chunk != nil {
		entry.ResultCount = 1
	}
	s.audit.Record(ctx, entry)

	if err != nil {
		return s.toolError(err), nil
	}
	return jsonResult(chunk)
}

func (s *Server) getCategories(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	caller := domain.Caller{ClientID: ClientID}
	categories, err := s.service.Categories(ctx, caller)
	s.audit.Record(ctx, usecase.AuditEntry{
		Caller: caller, Method: "get_categories", ResultCount: len(categories), Err: err, Elapsed: time.Since(start),
	})
	if err != nil {
		return s.toolError(err), nil
	}
	return jsonResult(map[string]any{"categories": categories})
}

func (s *Server) getTechnologies(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	caller := domain.Caller{ClientID: ClientID}
	technologies, err := s.service.Technologies(ctx, caller)
	s.audit.Record(ctx, usecase.AuditEntry{
		Caller: caller, Method: "get_technologies", ResultCount: len(technologies), Err: err, Elapsed: time.Since(start),
	})
	if err != nil {
		return s.toolError(err), nil
	}
	return jsonResult(map[string]any{"technologies": technologies})
}

var searchArgs = map[string]struct{}{
	"query": {}, "limit": {}, "min_similarity": {}, "category": {}, "technology": {}, "doc_type": {},
}

// searchParams maps loosely typed tool arguments onto SearchParams. Numbers
// arrive as float64; a non-integral limit is rejected rather than rounded.
func searchParams(args map[string]any) (domain.SearchParams, error) {
	var params domain.SearchParams
	for name := range args {
		if _, ok := searchArgs[name]; !ok {
			return params, &domain.ValidationError{Field: name, Reason: "unknown parameter"}
		}
	}

	if v, ok := args["query"]; ok {
		s, isString := v.(string)
		if !isString {
			return params, &domain.ValidationError{Field: "query", Reason: "must be a string"}
		}
		params.Query = s
	}
	if v, ok := args["limit"]; ok && v != nil {
		f, isNumber := v.(float64)
		if !isNumber || f != float64(int(f)) {
			return params, &domain.ValidationError{Field: "limit", Reason: "must be an integer"}
		}
		limit := int(f)
		params.Limit = &limit
	}
	if v, ok := args["min_similarity"]; ok && v != nil {
		f, isNumber := v.(float64)
		if !isNumber {
			return params, &domain.ValidationError{Field: "min_similarity", Reason: "must be a number"}
		}
		params.MinSimilarity = &f
	}
	for _, field := range []struct {
		name string
		dst  **string
	}{
		{"category", &params.Category},
		{"technology", &params.Technology},
		{"doc_type", &params.DocType},
	} {
		v, ok := args[field.name]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return params, &domain.ValidationError{Field: field.name, Reason: "must be a string"}
		}
		*field.dst = &s
	}
	return params, nil
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, domain.WrapError(domain.ErrStore, "encode tool result", err)
	}
	return mcp.NewToolResultText(string(text)), nil
}

func (s *Server) toolError(err error) *mcp.CallToolResult {
	var rateErr *domain.RateLimitError
	switch outcome := usecase.Outcome(err); {
	case errors.As(err, &rateErr):
		return mcp.NewToolResultError(rateErr.Error())
	case outcome == usecase.OutcomeInternal:
		s.logger.Error("mcp_tool_failed", "error", err)
		return mcp.NewToolResultError("internal error")
	case outcome == usecase.OutcomeTimeout:
		return mcp.NewToolResultError("request timed out")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}
