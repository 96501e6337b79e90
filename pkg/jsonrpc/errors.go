package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC error object. It implements error so upstream
// failures can travel through ordinary error returns and be recovered
// with errors.As at the edge.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object with optional structured data.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// IsProtocolCode reports whether the code belongs to the reserved JSON-RPC
// range that signals a broken exchange rather than an application error.
// Parse errors are excluded: they indicate a malformed request, not a
// malfunctioning upstream.
func IsProtocolCode(code int) bool {
	return code >= CodeInternalError && code <= CodeInvalidRequest
}
