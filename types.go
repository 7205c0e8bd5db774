package lspproxy

import (
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wagiedev/lspproxy/internal/config"
	"github.com/wagiedev/lspproxy/internal/connection"
	"github.com/wagiedev/lspproxy/internal/protocol"
	"github.com/wagiedev/lspproxy/internal/proxy"
)

// Re-export types from internal packages

// ===== Options and Configuration =====

// Options configures the behavior of the proxy.
type Options = config.Options

// Mode selects how the backend connection is established.
type Mode = config.Mode

const (
	// ModeDial connects out to a backend that is already listening.
	ModeDial = config.ModeDial
	// ModeAccept listens and waits for the backend to connect in.
	ModeAccept = config.ModeAccept
)

// VerboseSource reports whether verbose logging is currently enabled.
type VerboseSource = config.VerboseSource

// Settings holds values that may change while the proxy runs.
type Settings = config.Settings

// ===== Messages =====

// Request is a message to forward to the backend.
type Request = protocol.Request

// Response is the outcome of a forwarded request.
type Response = protocol.Response

// ID is a JSON-RPC request id.
type ID = jsonrpc.ID

// WireError is a JSON-RPC error object.
type WireError = jsonrpc.Error

// WorkspaceFolder is a root folder sent with initialize.
type WorkspaceFolder = protocol.WorkspaceFolder

// MakeID builds an ID from a string, a float64 or nil.
var MakeID = jsonrpc.MakeID

// Error codes carried by responses.
const (
	CodeParseError       = protocol.CodeParseError
	CodeInvalidRequest   = protocol.CodeInvalidRequest
	CodeMethodNotFound   = protocol.CodeMethodNotFound
	CodeInvalidParams    = protocol.CodeInvalidParams
	CodeInternalError    = protocol.CodeInternalError
	CodeRequestFailed    = protocol.CodeRequestFailed
	CodeRequestCancelled = protocol.CodeRequestCancelled
)

// ===== Connection State =====

// State is the lifecycle state of the backend connection.
type State = connection.State

const (
	StateDisconnected = connection.StateDisconnected
	StateConnecting   = connection.StateConnecting
	StateConnected    = connection.StateConnected
	StateClosed       = connection.StateClosed
)

// ===== Logging =====

// LevelLog sits between debug and info. Backend warnings are logged at this
// level unless verbose logging is on.
const LevelLog = proxy.LevelLog
