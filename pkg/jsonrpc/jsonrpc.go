// Package jsonrpc provides the JSON-RPC 2.0 vocabulary shared by every
// transport in pfs: message parsing, classification, payload hashing, and
// the standard error codes. Frames are kept in raw form so that recorded
// payloads are byte-faithful to what crossed the wire.
package jsonrpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version pfs speaks or records.
const Version = "2.0"

// Kind classifies a parsed frame by its structure.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindInvalid      Kind = "invalid"
)

// Message is a single JSON-RPC frame. ID, Params, Result and Error are kept
// as raw JSON so that ids round-trip in their original form (string, number
// or null) and payloads are never re-encoded before storage.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// Raw is the frame exactly as read. Not part of the wire form.
	Raw []byte `json:"-"`
}

// Parse decodes a single frame. The input is retained in Raw.
func Parse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	msg.Raw = bytes.TrimSpace(append([]byte(nil), raw...))
	return &msg, nil
}

// Kind reports what the frame is structurally. A method with an id member
// is a request (a null id counts as present), a method without one is a
// notification, and a result or error member with an id is a response.
// Anything else is invalid.
func (m *Message) Kind() Kind {
	hasID := len(m.ID) > 0
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// IDString renders the id in its raw wire form ("1", `"abc"`, "null").
// Empty when the frame carries no id.
func (m *Message) IDString() string {
	return string(m.ID)
}

// Encode marshals the frame back to wire form, forcing the version field.
func (m *Message) Encode() ([]byte, error) {
	m.JSONRPC = Version
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// NumberID renders an integer id as raw JSON.
func NumberID(id int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", id))
}

// NewRequest builds a request frame. params may be nil.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame. params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response frame.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response frame. A missing id becomes
// null, which is what parse failures are answered with.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// PayloadHash returns the first 16 hex characters of the SHA-256 digest of
// the raw payload. Stored alongside every recorded frame for cheap
// duplicate detection.
func PayloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
