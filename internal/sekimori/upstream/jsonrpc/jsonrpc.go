// Package jsonrpc holds the JSON-RPC 2.0 wire types shared by the MCP and A2A
// upstream clients and by the proxy handlers.
package jsonrpc

import "encoding/json"

// Version is the only protocol version the gateway speaks.
const Version = "2.0"

// Standard error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Request is a JSON-RPC 2.0 request as received from a gateway client.  ID is
// kept raw: it may be a number, a string, or absent, and it is echoed back
// unchanged in the response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a failed response.  It implements error so an
// upstream rejection can travel through the queue engine as an ordinary Go
// error and be unwrapped by the proxy for status mapping.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// ValidID reports whether raw is an acceptable request id: absent, a JSON
// number, or a JSON string.
func ValidID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64:
		return true
	default:
		return false
	}
}
