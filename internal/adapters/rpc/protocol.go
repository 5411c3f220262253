package rpcadapter

import (
	"bytes"
	"encoding/json"
)

const jsonRPCVersion = "2.0"

// MaxMessageBytes bounds a single framed message on every transport.
const MaxMessageBytes = 1 << 20

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeRateLimited      = -32001
	CodeValidationFailed = -32002
	CodeNotFound         = -32003
	CodeTimeout          = -32004
)

const (
	MethodSearch       = "search_documentation"
	MethodCategories   = "get_categories"
	MethodTechnologies = "get_technologies"
	MethodGetChunk     = "get_chunk"

	MethodInitialize     = "initialize"
	MethodInitialized    = "notifications/initialized"
	MethodInitializedOld = "initialized"
	MethodPing           = "ping"
	MethodToolsList      = "tools/list"
	MethodToolsCall      = "tools/call"

	mcpProtocolVersion   = "2024-11-05"
	defaultServerName    = "docsearch"
	defaultServerVersion = "1.0.0"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the sender expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

var nullID = json.RawMessage("null")

func newResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: responseID(id), Result: result}
}

func newError(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: responseID(id), Error: rpcErr}
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// validID accepts the id shapes JSON-RPC 2.0 allows: string, number or null.
func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return true
	}
	switch trimmed[0] {
	case '"':
		var s string
		return json.Unmarshal(trimmed, &s) == nil
	case 'n':
		return bytes.Equal(trimmed, nullID)
	default:
		var n json.Number
		return json.Unmarshal(trimmed, &n) == nil
	}
}
