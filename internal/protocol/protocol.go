// Package protocol implements the ConHub wire protocol: a versioned
// JSON-RPC style envelope exchanged between agents and the gateway.
//
// A message is one of three kinds:
//   - request:      has a method and an id
//   - notification: has a method and no id
//   - response:     has an id and exactly one of result / error
//
// The codec validates envelopes at the boundary and reports violations as
// structured errors with reserved codes instead of panicking past it.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol version spoken by this gateway. A handshake with
// any other version tag is rejected.
const Version = "2024-11-05"

// ── Error codes ─────────────────────────────────────────────

// Transport-level error codes (reserved JSON-RPC space).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol-specific error codes (disjoint reserved space).
const (
	CodeResourceNotFound       = -32001
	CodeToolNotFound           = -32002
	CodePromptNotFound         = -32003
	CodeCapabilityNotSupported = -32004
	CodeAuthFailed             = -32005
	CodeRateLimited            = -32006
	CodeTimeout                = -32007
)

// Error is the protocol error object carried inside a response envelope.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ── Message envelope ────────────────────────────────────────

// MessageKind classifies a parsed envelope.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindNotification MessageKind = "notification"
	KindResponse     MessageKind = "response"
	KindInvalid      MessageKind = "invalid"
)

// Message is the wire envelope. IDs are kept raw so string and numeric ids
// round-trip untouched and a response echoes exactly the id it answers.
type Message struct {
	Version string          `json:"version"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies the message. Classification looks only at shape; use
// Validate for the full well-formedness rules.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID() && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// HasID reports whether the envelope carries an id. A literal JSON null
// counts as absent.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Validate checks the envelope against the protocol rules. It returns nil
// for a well-formed message, otherwise an *Error with a reserved code.
func (m *Message) Validate() *Error {
	if m.Version != Version {
		return Errorf(CodeInvalidRequest, "unsupported protocol version %q (want %q)", m.Version, Version)
	}

	switch m.Kind() {
	case KindRequest, KindNotification:
		if m.Result != nil || m.Error != nil {
			return Errorf(CodeInvalidRequest, "method %q carries a result or error", m.Method)
		}
	case KindResponse:
		if m.Result != nil && m.Error != nil {
			return Errorf(CodeInvalidRequest, "response carries both result and error")
		}
		if m.Error != nil && m.Error.Message == "" {
			return Errorf(CodeInvalidRequest, "error object missing message")
		}
	default:
		return Errorf(CodeInvalidRequest, "message is neither request, notification nor response")
	}
	return nil
}

// Decode parses raw bytes into a validated message. A JSON syntax failure
// yields a parse error; a malformed envelope yields an invalid-request error.
func Decode(data []byte) (*Message, *Error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Errorf(CodeParseError, "parse error: %v", err)
	}
	if verr := m.Validate(); verr != nil {
		return nil, verr
	}
	return &m, nil
}

// ── Builders ────────────────────────────────────────────────

// NewRequest builds a request envelope. Params marshalling failures are a
// programming error on the caller's side and surface as invalid-params.
func NewRequest(id interface{}, method string, params interface{}) (*Message, *Error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, Errorf(CodeInvalidRequest, "unencodable id: %v", err)
	}
	raw, perr := marshalParams(params)
	if perr != nil {
		return nil, perr
	}
	return &Message{Version: Version, ID: rawID, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope (no id, no reply expected).
func NewNotification(method string, params interface{}) (*Message, *Error) {
	raw, perr := marshalParams(params)
	if perr != nil {
		return nil, perr
	}
	return &Message{Version: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the request's id.
func NewResponse(id json.RawMessage, result interface{}) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, Errorf(CodeInternalError, "marshal result: %v", err))
	}
	return &Message{Version: Version, ID: id, Result: raw}
}

// NewErrorResponse builds an error response echoing the request's id.
// A nil id is legal for errors raised before the request id was known
// (e.g. parse errors).
func NewErrorResponse(id json.RawMessage, perr *Error) *Message {
	return &Message{Version: Version, ID: id, Error: perr}
}

func marshalParams(params interface{}) (json.RawMessage, *Error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, Errorf(CodeInvalidParams, "unencodable params: %v", err)
	}
	return raw, nil
}
