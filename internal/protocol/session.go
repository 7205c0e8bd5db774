package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Sender is the subset of Channel used by Session.
type Sender interface {
	SendRequest(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
	SendNotification(ctx context.Context, method string, params any) error
}

// Compile-time verification that Channel implements Sender.
var _ Sender = (*Channel)(nil)

// WorkspaceFolder is a root folder opened by the client.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// InitializeParams is the fixed parameter shape of the initialize request.
type InitializeParams struct {
	ProcessID             *int              `json:"processId"`
	WorkspaceFolders      []WorkspaceFolder `json:"workspaceFolders"`
	RootURI               *string           `json:"rootUri"`
	Capabilities          any               `json:"capabilities"`
	RootPath              *string           `json:"rootPath"`
	InitializationOptions any               `json:"initializationOptions,omitempty"`
}

// NewInitializeParams builds initialize params for the given folders.
//
// The root URI is the first folder's URI and the root path is derived from
// it. Both are null when there are no folders. initOptions is included only
// when non-nil.
func NewInitializeParams(capabilities any, folders []WorkspaceFolder, initOptions any) *InitializeParams {
	if capabilities == nil {
		capabilities = map[string]any{}
	}

	if folders == nil {
		folders = []WorkspaceFolder{}
	}

	params := &InitializeParams{
		WorkspaceFolders:      folders,
		Capabilities:          capabilities,
		InitializationOptions: initOptions,
	}

	if len(folders) > 0 {
		rootURI := folders[0].URI
		rootPath := URIToPath(rootURI)
		params.RootURI = &rootURI
		params.RootPath = &rootPath
	}

	return params
}

// URIToPath converts a file URI to a filesystem path. Inputs that are not
// file URIs are returned unchanged.
func URIToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}

	path := u.Path

	// file:///C:/proj -> C:/proj on Windows.
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	if u.Host != "" && u.Host != "localhost" {
		path = "//" + u.Host + path
	}

	return filepath.FromSlash(strings.TrimSuffix(path, "/"))
}

// Session runs the initialize and shutdown handshake over a channel and
// remembers its outcome.
type Session struct {
	log *slog.Logger

	// Server initialization result (protected by initMu)
	initMu               sync.RWMutex
	initialized          bool
	initializationResult json.RawMessage
}

// NewSession creates a new Session.
func NewSession(log *slog.Logger) *Session {
	return &Session{
		log: log.With("component", "session"),
	}
}

// Initialize sends the initialize request and, when it succeeds, the
// initialized notification.
//
// The two messages are sent strictly in that order; the backend rejects
// anything sent before initialized. A protocol error from the backend is
// returned in the response and leaves the session uninitialized.
func (s *Session) Initialize(ctx context.Context, ch Sender, params *InitializeParams) (*jsonrpc.Response, error) {
	s.log.Debug("Sending initialize request", "root_uri", params.RootURI)

	resp, err := ch.SendRequest(ctx, MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if resp.Error != nil {
		s.log.Warn("Backend rejected initialize", "error", resp.Error)

		return resp, nil
	}

	if err := ch.SendNotification(ctx, MethodInitialized, map[string]any{}); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}

	s.initMu.Lock()
	s.initialized = true
	s.initializationResult = resp.Result
	s.initMu.Unlock()

	s.log.Info("Session initialized")

	return resp, nil
}

// Shutdown sends the shutdown request and returns its response.
func (s *Session) Shutdown(ctx context.Context, ch Sender) (*jsonrpc.Response, error) {
	s.log.Debug("Sending shutdown request")

	resp, err := ch.SendRequest(ctx, MethodShutdown, nil)
	if err != nil {
		return nil, fmt.Errorf("shutdown: %w", err)
	}

	return resp, nil
}

// Exit sends the exit notification.
func (s *Session) Exit(ctx context.Context, ch Sender) error {
	s.log.Debug("Sending exit notification")

	if err := ch.SendNotification(ctx, MethodExit, nil); err != nil {
		return fmt.Errorf("exit: %w", err)
	}

	return nil
}

// Reset forgets the initialization outcome, for example after the backend
// connection dropped.
func (s *Session) Reset() {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.initialized = false
	s.initializationResult = nil
}

// Initialized reports whether the handshake completed.
func (s *Session) Initialized() bool {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	return s.initialized
}

// InitializationResult returns a copy of the backend's initialize result.
// Returns nil if not initialized.
func (s *Session) InitializationResult() json.RawMessage {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	if s.initializationResult == nil {
		return nil
	}

	// Copy so callers cannot mutate the stored result.
	return append(json.RawMessage(nil), s.initializationResult...)
}
