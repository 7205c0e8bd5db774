package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Error codes used in responses. The first group is JSON-RPC 2.0, the
// request codes are the language server protocol's.
const (
	CodeParseError     = jsonrpc.CodeParseError
	CodeInvalidRequest = jsonrpc.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc.CodeInvalidParams
	CodeInternalError  = jsonrpc.CodeInternalError

	// CodeRequestFailed is returned when a request failed for a reason other
	// than a protocol error, such as a dropped connection.
	CodeRequestFailed = -32803
	// CodeRequestCancelled is returned when a request was cancelled, including
	// requests made after the proxy was closed.
	CodeRequestCancelled = -32800
)

// Well-known method names produced or consumed by the proxy.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodLogMessage    = "window/logMessage"
	MethodCancelRequest = "$/cancelRequest"
)

// Request is a caller-supplied message to forward to the backend.
//
// Notifications carry no ID and expect no response. ID, when valid, is the
// caller's own correlation id and is echoed on the Response; the channel
// assigns its own wire id.
type Request struct {
	Method         string
	Params         any
	IsNotification bool
	ID             jsonrpc.ID
}

// Response is the outcome of a forwarded request.
//
// Exactly one of Result and Error is set, except for responses synthesized
// by a closed proxy, which only carry an Error.
type Response struct {
	ID     jsonrpc.ID
	Result json.RawMessage
	Error  *jsonrpc.Error
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// ErrorResponse builds a response carrying only an error.
func ErrorResponse(id jsonrpc.ID, code int64, message string) *Response {
	return &Response{
		ID:    id,
		Error: &jsonrpc.Error{Code: code, Message: message},
	}
}

// FromWire converts a wire response into a Response tagged with id.
func FromWire(id jsonrpc.ID, resp *jsonrpc.Response) *Response {
	out := &Response{ID: id, Result: resp.Result}

	if resp.Error != nil {
		out.Result = nil
		out.Error = toWireError(resp.Error)
	}

	return out
}

// ToWire converts a Response into a wire response for the given id.
func (r *Response) ToWire(id jsonrpc.ID) *jsonrpc.Response {
	out := &jsonrpc.Response{ID: id, Result: r.Result}

	if r.Error != nil {
		out.Result = nil
		out.Error = r.Error
	} else if out.Result == nil {
		out.Result = json.RawMessage("null")
	}

	return out
}

// toWireError returns err as a structured wire error, keeping the code when
// err already is one.
func toWireError(err error) *jsonrpc.Error {
	if we, ok := err.(*jsonrpc.Error); ok {
		return we
	}

	return &jsonrpc.Error{Code: CodeInternalError, Message: err.Error()}
}

// marshalParams converts params into raw JSON. Raw messages pass through
// untouched and nil stays nil so the params member is omitted on the wire.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return data, nil
}
