package toolproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const Version = "2.0"

// JSON-RPC 2.0 error codes. CodeTimeout sits in the implementation-defined
// server error range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeTimeout        = -32000
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDuplicateID    = errors.New("duplicate request id")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrTimeout        = errors.New("tool call timed out")
	ErrClosed         = errors.New("tool protocol closed")
)

// Message is one JSON-RPC 2.0 request, notification, or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m Message) IsRequest() bool { return m.Method != "" }

func (m Message) IsResponse() bool { return m.Method == "" && (len(m.Result) > 0 || m.Error != nil) }

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRPCError(code int, message, reason string) *RPCError {
	e := &RPCError{Code: code, Message: message}
	if reason != "" {
		e.Data, _ = json.Marshal(map[string]string{"reason": reason})
	}
	return e
}

// InvalidParams is what a tool returns when its arguments do not validate.
func InvalidParams(detail string) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: "Invalid params: " + detail}
}

var nullID = json.RawMessage("null")

// idKey canonicalises a request id so that 1 and "1" stay distinct while
// formatting differences such as whitespace do not.
func idKey(id json.RawMessage) (string, bool) {
	if len(id) == 0 {
		return "", false
	}
	v := gjson.ParseBytes(id)
	switch v.Type {
	case gjson.String:
		return "s:" + v.Str, true
	case gjson.Number:
		return "n:" + strings.TrimSpace(v.Raw), true
	default:
		return "", false
	}
}

func response(id json.RawMessage, result json.RawMessage) Message {
	if len(result) == 0 {
		result = nullID
	}
	return Message{JSONRPC: Version, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, rpcErr *RPCError) Message {
	if len(id) == 0 {
		id = nullID
	}
	return Message{JSONRPC: Version, ID: id, Error: rpcErr}
}
