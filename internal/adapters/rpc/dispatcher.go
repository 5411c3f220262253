package rpcadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/core/usecase"
)

// Observer receives per-request and per-connection measurements.
type Observer interface {
	ObserveRPC(transport, method string, code int, duration time.Duration)
	ConnOpened()
	ConnClosed()
}

type DispatcherConfig struct {
	Service ports.SearchService
	Audit   *usecase.AuditRecorder
	// Observer is optional.
	Observer Observer
	Logger   *slog.Logger
	// ExposeInternalErrors adds error detail to -32603 messages. Off in production.
	ExposeInternalErrors bool
	ServerName           string
	ServerVersion        string
}

// Dispatcher turns one framed JSON-RPC message into at most one response.
// It is shared by every transport and safe for concurrent use.
type Dispatcher struct {
	service        ports.SearchService
	audit          *usecase.AuditRecorder
	observer       Observer
	logger         *slog.Logger
	exposeInternal bool
	serverName     string
	serverVersion  string
	now            func() time.Time
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = defaultServerName
	}
	version := cfg.ServerVersion
	if version == "" {
		version = defaultServerVersion
	}
	return &Dispatcher{
		service:        cfg.Service,
		audit:          cfg.Audit,
		observer:       cfg.Observer,
		logger:         logger,
		exposeInternal: cfg.ExposeInternalErrors,
		serverName:     name,
		serverVersion:  version,
		now:            time.Now,
	}
}

// Handle processes a single message and returns the encoded response, or
// nil when the message was a notification.
func (d *Dispatcher) Handle(ctx context.Context, transport string, caller domain.Caller, message []byte) []byte {
	return d.handle(ctx, transport, caller, message, nil)
}

// callInfo carries what audit needs to know about a handled call.
type callInfo struct {
	method    string
	query     string
	results   int
	truncated bool
	// toolErr is a failure reported inside a successful tools/call result.
	toolErr error
}

func (d *Dispatcher) handle(ctx context.Context, transport string, caller domain.Caller, message []byte, onState func(connState)) []byte {
	setState := func(s connState) {
		if onState != nil {
			onState(s)
		}
	}
	start := d.now()
	if caller.RequestID == "" {
		caller.RequestID = uuid.NewString()
	}

	setState(stateValidating)
	req, rpcErr := parseRequest(message)
	if rpcErr == nil && req.IsNotification() {
		d.logger.Debug("rpc_notification", "transport", transport, "client_id", caller.ClientID, "method", req.Method)
		return nil
	}

	var (
		resp *Response
		info callInfo
		err  error
	)
	if rpcErr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		err = protocolErr(rpcErr)
		resp = newError(id, rpcErr)
	} else {
		setState(stateDispatching)
		info.method = req.Method
		var result any
		result, info, err = d.dispatch(ctx, caller, req)
		if err != nil {
			resp = newError(req.ID, mapError(err, d.exposeInternal))
		} else {
			resp = newResult(req.ID, result)
		}
	}

	setState(stateResponding)
	encoded, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		err = domain.WrapError(domain.ErrStore, "encode response", marshalErr)
		resp = newError(resp.ID, mapError(err, d.exposeInternal))
		encoded, _ = json.Marshal(resp)
	}

	elapsed := d.now().Sub(start)
	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	} else if info.toolErr != nil {
		code = mapError(info.toolErr, false).Code
	}
	auditErr := err
	if auditErr == nil {
		auditErr = info.toolErr
	}
	d.finish(ctx, transport, caller, info, auditErr, code, elapsed)
	return encoded
}

func (d *Dispatcher) finish(ctx context.Context, transport string, caller domain.Caller, info callInfo, err error, code int, elapsed time.Duration) {
	method := info.method
	if !knownMethod(method) {
		method = "unknown"
	}
	if d.observer != nil {
		d.observer.ObserveRPC(transport, method, code, elapsed)
	}
	d.audit.Record(ctx, usecase.AuditEntry{
		Caller:      caller,
		Method:      method,
		Query:       info.query,
		ResultCount: info.results,
		Err:         err,
		Elapsed:     elapsed,
		Truncated:   info.truncated,
	})

	attrs := []any{
		"transport", transport,
		"client_id", caller.ClientID,
		"request_id", caller.RequestID,
		"method", method,
		"code", code,
		"duration_ms", float64(elapsed.Microseconds()) / 1000.0,
	}
	if usecase.Outcome(err) == usecase.OutcomeInternal {
		d.logger.Error("rpc_request", append(attrs, "error", err)...)
		return
	}
	d.logger.Debug("rpc_request", attrs...)
}

func parseRequest(message []byte) (*Request, *Error) {
	trimmed := bytes.TrimSpace(message)
	if !json.Valid(trimmed) {
		return nil, &Error{Code: CodeParseError, Message: "parse error"}
	}
	if trimmed[0] == '[' {
		return nil, &Error{Code: CodeInvalidRequest, Message: "batch requests are not supported"}
	}
	if trimmed[0] != '{' {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request must be a JSON object"}
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invalid request envelope"}
	}
	if !validID(req.ID) {
		req.ID = nil
		return &req, &Error{Code: CodeInvalidRequest, Message: "id must be a string, number or null"}
	}
	if req.JSONRPC != jsonRPCVersion {
		return &req, &Error{Code: CodeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if req.Method == "" {
		return &req, &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return &req, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, caller domain.Caller, req *Request) (any, callInfo, error) {
	switch req.Method {
	case MethodInitialize:
		return d.initializeResult(), callInfo{method: req.Method}, nil
	case MethodPing:
		return struct{}{}, callInfo{method: req.Method}, nil
	case MethodToolsList:
		return map[string]any{"tools": tools}, callInfo{method: req.Method}, nil
	case MethodToolsCall:
		return d.callTool(ctx, caller, req.Params)
	case MethodInitialized, MethodInitializedOld:
		// Sent with an id by some clients; acknowledge with an empty result.
		return struct{}{}, callInfo{method: req.Method}, nil
	}
	if _, ok := paramSchemas[req.Method]; ok {
		return d.call(ctx, caller, req.Method, req.Params)
	}
	return nil, callInfo{method: req.Method}, protocolErr(&Error{Code: CodeMethodNotFound, Message: "method not found: " + truncateMethod(req.Method)})
}

// call runs one of the core search methods.
func (d *Dispatcher) call(ctx context.Context, caller domain.Caller, method string, raw json.RawMessage) (any, callInfo, error) {
	info := callInfo{method: method}
	schema := paramSchemas[method]

	switch method {
	case MethodSearch:
		var params domain.SearchParams
		if rpcErr := decodeParams(schema, raw, &params); rpcErr != nil {
			return nil, info, protocolErr(rpcErr)
		}
		info.query = params.Query
		resp, err := d.service.Search(ctx, caller, params)
		if err != nil {
			return nil, info, err
		}
		info.results = len(resp.Results)
		info.truncated = resp.QueryMetadata.Truncated
		return resp, info, nil

	case MethodCategories:
		if rpcErr := decodeParams(schema, raw, nil); rpcErr != nil {
			return nil, info, protocolErr(rpcErr)
		}
		categories, err := d.service.Categories(ctx, caller)
		if err != nil {
			return nil, info, err
		}
		info.results = len(categories)
		return map[string]any{"categories": categories}, info, nil

	case MethodTechnologies:
		if rpcErr := decodeParams(schema, raw, nil); rpcErr != nil {
			return nil, info, protocolErr(rpcErr)
		}
		technologies, err := d.service.Technologies(ctx, caller)
		if err != nil {
			return nil, info, err
		}
		info.results = len(technologies)
		return map[string]any{"technologies": technologies}, info, nil

	case MethodGetChunk:
		var params struct {
			ChunkID string `json:"chunk_id"`
		}
		if rpcErr := decodeParams(schema, raw, &params); rpcErr != nil {
			return nil, info, protocolErr(rpcErr)
		}
		chunk, err := d.service.GetChunk(ctx, caller, params.ChunkID)
		if err != nil {
			return nil, info, err
		}
		info.results = 1
		return chunk, info, nil
	}
	return nil, info, protocolErr(&Error{Code: CodeMethodNotFound, Message: "method not found: " + method})
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError"`
}

// callTool wraps a core method result the way MCP clients expect. Failures of
// the tool itself are reported inside the result with isError set.
func (d *Dispatcher) callTool(ctx context.Context, caller domain.Caller, raw json.RawMessage) (any, callInfo, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if rpcErr := decodeParams(toolCallSchema, raw, &params); rpcErr != nil {
		return nil, callInfo{method: MethodToolsCall}, protocolErr(rpcErr)
	}
	if _, ok := paramSchemas[params.Name]; !ok {
		return nil, callInfo{method: MethodToolsCall}, protocolErr(&Error{
			Code:    CodeInvalidParams,
			Message: "unknown tool: " + truncateMethod(params.Name),
		})
	}

	result, info, err := d.call(ctx, caller, params.Name, params.Arguments)
	if err != nil {
		rpcErr := mapError(err, d.exposeInternal)
		text, _ := json.MarshalIndent(map[string]any{"error": rpcErr}, "", "  ")
		info.toolErr = err
		return toolResult{Content: []toolContent{{Type: "text", Text: string(text)}}, IsError: true}, info, nil
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, info, domain.WrapError(domain.ErrStore, "encode tool result", err)
	}
	return toolResult{Content: []toolContent{{Type: "text", Text: string(text)}}}, info, nil
}

func (d *Dispatcher) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    d.serverName,
			"version": d.serverVersion,
		},
	}
}

func knownMethod(method string) bool {
	switch method {
	case MethodInitialize, MethodInitialized, MethodInitializedOld, MethodPing, MethodToolsList, MethodToolsCall:
		return true
	}
	_, ok := paramSchemas[method]
	return ok
}

func truncateMethod(method string) string {
	return usecase.SanitizeForLog(method, 64)
}
