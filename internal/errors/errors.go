package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ProxyError is the base interface for all proxy errors.
type ProxyError interface {
	error
	IsProxyError() bool
}

// Compile-time verification that all error types implement ProxyError.
var (
	_ ProxyError = (*ConnectionError)(nil)
	_ ProxyError = (*FrameError)(nil)
	_ ProxyError = (*TransitionError)(nil)
	_ ProxyError = (*ServerNotFoundError)(nil)
	_ ProxyError = (*ProcessError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrProxyClosed indicates exit was called; no further connections are made.
	ErrProxyClosed = errors.New("proxy closed")

	// ErrConnectionClosed indicates the backend socket closed while a call was pending.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCancelled is the default reason used when a pending attempt is cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrPortChanged is the reason an attempt is cancelled when the target port changes.
	ErrPortChanged = errors.New("target port changed")

	// ErrUnsupported indicates the operation is not available on this proxy.
	ErrUnsupported = errors.New("operation not supported")
)

// ConnectionError indicates a connection attempt to or from the backend failed.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsProxyError implements ProxyError.
func (e *ConnectionError) IsProxyError() bool { return true }

// FrameError indicates a malformed base-protocol frame was read from the backend.
type FrameError struct {
	Header string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Header != "" {
		return fmt.Sprintf("invalid frame header %q: %v", e.Header, e.Err)
	}

	return fmt.Sprintf("invalid frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsProxyError implements ProxyError.
func (e *FrameError) IsProxyError() bool { return true }

// TransitionError indicates the connection state machine rejected an event.
type TransitionError struct {
	From  string
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Event, e.From)
}

// IsProxyError implements ProxyError.
func (e *TransitionError) IsProxyError() bool { return true }

// ServerNotFoundError indicates the backend server binary could not be located.
type ServerNotFoundError struct {
	Name          string
	SearchedPaths []string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("server %q not found (searched: %s)", e.Name, strings.Join(e.SearchedPaths, ", "))
}

// IsProxyError implements ProxyError.
func (e *ServerNotFoundError) IsProxyError() bool { return true }

// ProcessError indicates a launched backend server exited on its own.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("server exited with code %d: %s", e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("server exited with code %d", e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsProxyError implements ProxyError.
func (e *ProcessError) IsProxyError() bool { return true }
