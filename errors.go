package lspproxy

import "github.com/wagiedev/lspproxy/internal/errors"

// Re-export error types from internal package

// ConnectionError indicates binding, accepting or dialing the backend failed.
type ConnectionError = errors.ConnectionError

// FrameError indicates the backend sent a malformed frame.
type FrameError = errors.FrameError

// ProxyError is the base interface for all proxy errors.
type ProxyError = errors.ProxyError

// Re-export sentinel errors from internal package.
var (
	// ErrProxyClosed indicates Exit was called.
	ErrProxyClosed = errors.ErrProxyClosed

	// ErrConnectionClosed indicates the backend connection closed while a
	// request was pending.
	ErrConnectionClosed = errors.ErrConnectionClosed

	// ErrCancelled is the default reason a connection attempt is cancelled.
	ErrCancelled = errors.ErrCancelled

	// ErrPortChanged indicates an attempt was cancelled by ChangePort.
	ErrPortChanged = errors.ErrPortChanged

	// ErrUnsupported indicates the operation is not available.
	ErrUnsupported = errors.ErrUnsupported
)
