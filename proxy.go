package lspproxy

import (
	"context"
	"net"
)

// Proxy forwards language server traffic to one backend over a socket.
//
// Lifecycle: proxies are single-use. After Exit, create a new proxy with New().
//
// Example usage:
//
//	p := New(WithPort(7658))
//	defer p.Exit(ctx)
//
//	if _, err := p.Initialize(ctx, caps, folders, nil); err != nil {
//	    log.Fatal(err)
//	}
//
//	resp := p.HandleRequest(ctx, &Request{Method: "textDocument/definition", Params: params})
type Proxy interface {
	// HandleRequest forwards a request or notification to the backend,
	// connecting first if needed. It never returns a Go error: connection
	// and transport failures are reported in the response. After Exit it
	// answers RequestCancelled "Server closed" without network activity.
	HandleRequest(ctx context.Context, req *Request) *Response

	// Initialize sends initialize and, when the backend accepts it,
	// initialized. A sticky error set with SetError is returned at once.
	// A protocol error from the backend is returned in the response.
	Initialize(ctx context.Context, capabilities any, folders []WorkspaceFolder, initOptions any) (*Response, error)

	// Shutdown sends the shutdown request and returns the backend's answer.
	Shutdown(ctx context.Context) (*Response, error)

	// Exit closes the proxy. If a connection exists, shutdown and exit are
	// sent first. Safe to call multiple times.
	Exit(ctx context.Context)

	// UnloadWorkspace is not supported by socket backends and always
	// returns ErrUnsupported.
	UnloadWorkspace(ctx context.Context, dir string) error

	// ChangePort retargets the next connection attempt. An attempt in
	// flight for the old port is cancelled.
	ChangePort(port int)

	// SetError records a sticky fatal error and cancels any attempt in
	// flight with it.
	SetError(err error)

	// ClearError forgets the sticky fatal error.
	ClearError()

	// Initialized reports whether the handshake completed on the current
	// connection.
	Initialized() bool

	// InitializationResult returns the backend's initialize result, or nil.
	InitializationResult() []byte

	// State returns the connection state.
	State() State

	// Address returns the backend address the next attempt targets.
	Address() string

	// Done is closed once Exit completed.
	Done() <-chan struct{}

	// OnConnected registers a listener for established connections.
	OnConnected(fn func()) (remove func())

	// OnDisconnected registers a listener for dropped connections.
	OnDisconnected(fn func(reason error)) (remove func())

	// OnExit registers a listener run once Exit completed.
	OnExit(fn func()) (remove func())

	// OnDialError registers a listener for failed dials. Dialing keeps
	// retrying after each one.
	OnDialError(fn func(err error)) (remove func())

	// OnListening registers a listener run when an accept-mode listener is
	// bound, with its actual address.
	OnListening(fn func(addr net.Addr)) (remove func())
}

// New creates a proxy. No connection is made until it is needed.
//
//	p := New(
//	    WithHost("127.0.0.1"),
//	    WithPort(7658),
//	    WithLogger(slog.Default()),
//	)
func New(opts ...Option) Proxy {
	return newProxyImpl(applyOptions(opts))
}
