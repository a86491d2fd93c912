package graphql

import (
	"encoding/json"
	"fmt"
)

// Operation is the canonical representation of a single query or mutation
// request. The query text is expected to have been normalized by the caller's
// transformation layer before it reaches this library.
type Operation struct {
	// Query is the normalized operation text.
	Query string `json:"query"`

	// Variables holds the operation variables, or nil when the operation
	// takes none.
	Variables map[string]any `json:"variables,omitempty"`

	// OperationName selects a named operation within the query document.
	OperationName string `json:"operationName,omitempty"`
}

// Location points at a position in the operation text that an operation-level
// error refers to.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// OperationError is a single error returned by the server alongside (or
// instead of) data. It mirrors the response-level error shape of the wire
// protocol.
type OperationError struct {
	Message    string                     `json:"message"`
	Locations  []Location                 `json:"locations,omitempty"`
	Path       []any                      `json:"path,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

func (e OperationError) Error() string {
	return e.Message
}

// Result is a single operation response. Data is kept as raw JSON so the
// cache layer can store it without knowing its concrete shape; callers
// reconstruct the type with DecodeData.
type Result struct {
	Data       json.RawMessage            `json:"data,omitempty"`
	Errors     []OperationError           `json:"errors,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// HasData reports whether the result carries a non-null data payload. A
// result with errors may still carry partial data.
func (r *Result) HasData() bool {
	return r != nil && len(r.Data) > 0 && string(r.Data) != "null"
}

// OK reports whether the result is fully successful: data present and no
// operation-level errors.
func (r *Result) OK() bool {
	return r.HasData() && len(r.Errors) == 0
}

// DecodeData reconstructs the result's data payload as T. The cache and
// policy layers treat payloads as opaque bytes; this is the single point
// where a concrete type is reintroduced.
func DecodeData[T any](r *Result) (T, error) {
	var out T
	if !r.HasData() {
		return out, fmt.Errorf("result has no data payload")
	}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode result data: %w", err)
	}
	return out, nil
}
