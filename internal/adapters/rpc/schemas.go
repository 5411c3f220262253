package rpcadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Tool describes one core method the way MCP clients list it.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	InputSchema *openapi3.Schema `json:"inputSchema"`
}

// paramSchemas only checks shape and types. Value ranges and taxonomy
// membership stay with the search validator so they surface as
// validation failures with a field name.
var paramSchemas = map[string]*openapi3.Schema{
	MethodSearch: closedObject(map[string]*openapi3.Schema{
		"query":          described(openapi3.NewStringSchema(), "Natural-language search query"),
		"limit":          described(openapi3.NewIntegerSchema(), "Maximum number of results (1-100, default 10)"),
		"min_similarity": described(openapi3.NewFloat64Schema(), "Minimum similarity score in [0,1], default 0.3"),
		"category":       described(openapi3.NewStringSchema(), "Filter by documentation category"),
		"technology":     described(openapi3.NewStringSchema(), "Filter by technology"),
		"doc_type":       described(openapi3.NewStringSchema(), "Filter by content type: text or code"),
	}, "query"),
	MethodCategories:   closedObject(nil),
	MethodTechnologies: closedObject(nil),
	MethodGetChunk: closedObject(map[string]*openapi3.Schema{
		"chunk_id": described(openapi3.NewStringSchema(), "Identifier of the chunk to fetch"),
	}, "chunk_id"),
}

var toolCallSchema = closedObject(map[string]*openapi3.Schema{
	"name":      openapi3.NewStringSchema(),
	"arguments": openapi3.NewObjectSchema().WithAnyAdditionalProperties(),
	"_meta":     openapi3.NewObjectSchema().WithAnyAdditionalProperties(),
}, "name")

var tools = []Tool{
	{Name: MethodSearch, Description: "Search technical documentation by semantic similarity", InputSchema: paramSchemas[MethodSearch]},
	{Name: MethodCategories, Description: "List documentation categories with descriptions", InputSchema: paramSchemas[MethodCategories]},
	{Name: MethodTechnologies, Description: "List supported technologies with keywords and categories", InputSchema: paramSchemas[MethodTechnologies]},
	{Name: MethodGetChunk, Description: "Fetch one documentation chunk by id", InputSchema: paramSchemas[MethodGetChunk]},
}

func described(schema *openapi3.Schema, description string) *openapi3.Schema {
	schema.Description = description
	return schema
}

func closedObject(properties map[string]*openapi3.Schema, required ...string) *openapi3.Schema {
	schema := openapi3.NewObjectSchema()
	for name, prop := range properties {
		schema.WithProperty(name, prop)
	}
	if len(required) > 0 {
		schema.WithRequired(required)
	}
	closed := false
	schema.AdditionalProperties = openapi3.AdditionalProperties{Has: &closed}
	return schema
}

// decodeParams checks raw params against schema and decodes them into dst.
// Absent or null params are treated as an empty object.
func decodeParams(schema *openapi3.Schema, raw json.RawMessage, dst any) *Error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "params must be valid JSON"}
	}
	if _, ok := generic.(map[string]any); !ok {
		return &Error{Code: CodeInvalidParams, Message: "params must be an object"}
	}
	if err := schema.VisitJSON(generic); err != nil {
		return schemaError(err)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func schemaError(err error) *Error {
	var schemaErr *openapi3.SchemaError
	if !errors.As(err, &schemaErr) {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	field := strings.Join(schemaErr.JSONPointer(), ".")
	reason := schemaErr.Reason
	if reason == "" {
		reason = "does not match schema"
	}
	out := &Error{Code: CodeInvalidParams, Message: "invalid params: " + reason}
	if field != "" {
		out.Message = "invalid params: " + field + ": " + reason
		out.Data = map[string]string{"field": field}
	}
	return out
}
