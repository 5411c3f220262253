package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	rpcadapter "github.com/kirillkom/docsearch/internal/adapters/rpc"
	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/core/usecase"
)

const (
	backpressureWait   = 50 * time.Millisecond
	auditMethodRebuild = "admin_rebuild"
)

// MetricsRecorder wraps handlers with request metrics and exposes the registry.
type MetricsRecorder interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Admitter applies the per-client rate limit to requests that bypass SearchService.
type Admitter interface {
	Admit(clientID string) error
}

type RouterConfig struct {
	Search    ports.SearchService
	Rebuilder ports.CorpusRebuilder
	// AdminToken is the bearer token for /v1/admin routes. Empty disables them.
	AdminToken string
	// Limiter is optional.
	Limiter Admitter
	// RPC serves POST /rpc when set.
	RPC   *rpcadapter.Dispatcher
	Audit *usecase.AuditRecorder
	// Metrics is optional.
	Metrics              MetricsRecorder
	Logger               *slog.Logger
	MaxInFlight          int
	ExposeInternalErrors bool
}

type Router struct {
	search         ports.SearchService
	rebuilder      ports.CorpusRebuilder
	adminToken     string
	limiter        Admitter
	rpc            *rpcadapter.Dispatcher
	audit          *usecase.AuditRecorder
	metrics        MetricsRecorder
	logger         *slog.Logger
	maxInFlight    int
	exposeInternal bool
}

func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		search:         cfg.Search,
		rebuilder:      cfg.Rebuilder,
		adminToken:     cfg.AdminToken,
		limiter:        cfg.Limiter,
		rpc:            cfg.RPC,
		audit:          cfg.Audit,
		metrics:        cfg.Metrics,
		logger:         logger,
		maxInFlight:    cfg.MaxInFlight,
		exposeInternal: cfg.ExposeInternalErrors,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /v1/search", rt.searchDocumentation)
	mux.HandleFunc("GET /v1/chunks/{id}", rt.getChunk)
	mux.HandleFunc("GET /v1/categories", rt.categories)
	mux.HandleFunc("GET /v1/technologies", rt.technologies)
	mux.HandleFunc("POST /v1/admin/rebuild", rt.rebuild)
	if rt.rpc != nil {
		mux.HandleFunc("POST /rpc", rt.rpcCall)
	}
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.maxInFlight, backpressureWait)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	info := rt.rebuilder.Info()
	if info.Version == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "store": info})
}

var searchQueryParams = map[string]struct{}{
	"query": {}, "limit": {}, "min_similarity": {}, "category": {}, "technology": {}, "doc_type": {},
}

func (rt *Router) searchDocumentation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller := rt.caller(r)
	params, err := bindSearchParams(r)

	var resp *domain.SearchResponse
	if err == nil {
		resp, err = rt.search.Search(r.Context(), caller, params)
	}

	entry := usecase.AuditEntry{
		Caller:  caller,
		Method:  rpcadapter.MethodSearch,
		Query:   params.Query,
		Err:     err,
		Elapsed: time.Since(start),
	}
	if resp != nil {
		entry.ResultCount = len(resp.Results)
		entry.Truncated = resp.QueryMetadata.Truncated
	}
	rt.audit.Record(r.Context(), entry)

	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// bindSearchParams binds the closed set of search query parameters.
func bindSearchParams(r *http.Request) (domain.SearchParams, error) {
	var params domain.SearchParams
	query := r.URL.Query()
	for name := range query {
		if _, ok := searchQueryParams[name]; !ok {
			return params, &domain.ValidationError{Field: name, Reason: "unknown parameter"}
		}
	}

	bindings := []struct {
		name string
		dest any
	}{
		{"query", &params.Query},
		{"limit", &params.Limit},
		{"min_similarity", &params.MinSimilarity},
		{"category", &params.Category},
		{"technology", &params.Technology},
		{"doc_type", &params.DocType},
	}
	for _, b := range bindings {
		if err := runtime.BindQueryParameter("form", true, false, b.name, query, b.dest); err != nil {
			return params, &domain.ValidationError{Field: b.name, Reason: fmt.Sprintf("invalid value: %v", err)}
		}
	}
	return params, nil
}

func (rt *Router) getChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller := rt.caller(r)
	chunk, err := rt.search.GetChunk(r.Context(), caller, r.PathValue("id"))

	entry := usecase.AuditEntry{Caller: caller, Method: rpcadapter.MethodGetChunk, Err: err, Elapsed: time.Since(start)}
	if chunk != nil {
		entry.ResultCount = 1
	}
	rt.audit.Record(r.Context(), entry)

	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

func (rt *Router) categories(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller := rt.caller(r)
	categories, err := rt.search.Categories(r.Context(), caller)
	rt.audit.Record(r.Context(), usecase.AuditEntry{
		Caller: caller, Method: rpcadapter.MethodCategories, ResultCount: len(categories), Err: err, Elapsed: time.Since(start),
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (rt *Router) technologies(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller := rt.caller(r)
	technologies, err := rt.search.Technologies(r.Context(), caller)
	rt.audit.Record(r.Context(), usecase.AuditEntry{
		Caller: caller, Method: rpcadapter.MethodTechnologies, ResultCount: len(technologies), Err: err, Elapsed: time.Since(start),
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"technologies": technologies})
}

func (rt *Router) rebuild(w http.ResponseWriter, r *http.Request) {
	if !isAuthorizedBearerHeader(r.Header.Get("Authorization"), rt.adminToken) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="docsearch-admin"`)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", RequestID: requestIDFromContext(r.Context())})
		return
	}

	start := time.Now()
	caller := rt.caller(r)
	var (
		info domain.StoreInfo
		err  error
	)
	if rt.limiter != nil {
		err = rt.limiter.Admit(caller.ClientID)
	}
	if err == nil {
		info, err = rt.rebuilder.Rebuild(r.Context(), "http")
	}
	entry := usecase.AuditEntry{Caller: caller, Method: auditMethodRebuild, Err: err, Elapsed: time.Since(start)}
	if err == nil {
		entry.ResultCount = info.Chunks
	}
	rt.audit.Record(r.Context(), entry)

	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rebuilt", "store": info})
}

// rpcCall carries exactly one JSON-RPC message per request body.
func (rt *Router) rpcCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rpcadapter.MaxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "message too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "could not read request body"})
		return
	}

	caller := rt.caller(r)
	response := rt.rpc.Handle(r.Context(), rpcadapter.TransportHTTP, caller, body)
	if response == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

func (rt *Router) caller(r *http.Request) domain.Caller {
	return domain.Caller{ClientID: clientID(r), RequestID: requestIDFromContext(r.Context())}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
