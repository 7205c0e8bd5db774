package lspproxy

import (
	"context"
	"net"

	"github.com/wagiedev/lspproxy/internal/config"
	"github.com/wagiedev/lspproxy/internal/proxy"
)

// proxyWrapper wraps the internal proxy to adapt it to the public interface.
type proxyWrapper struct {
	impl *proxy.Proxy
}

// Compile-time check that *proxyWrapper implements the Proxy interface.
var _ Proxy = (*proxyWrapper)(nil)

// newProxyImpl creates the internal proxy implementation.
func newProxyImpl(options *config.Options) Proxy {
	return &proxyWrapper{impl: proxy.New(options)}
}

// HandleRequest forwards a request or notification to the backend.
func (p *proxyWrapper) HandleRequest(ctx context.Context, req *Request) *Response {
	return p.impl.HandleRequest(ctx, req)
}

// Initialize runs the initialize handshake.
func (p *proxyWrapper) Initialize(
	ctx context.Context,
	capabilities any,
	folders []WorkspaceFolder,
	initOptions any,
) (*Response, error) {
	return p.impl.Initialize(ctx, capabilities, folders, initOptions)
}

// Shutdown sends the shutdown request.
func (p *proxyWrapper) Shutdown(ctx context.Context) (*Response, error) {
	return p.impl.Shutdown(ctx)
}

// Exit closes the proxy.
func (p *proxyWrapper) Exit(ctx context.Context) {
	p.impl.Exit(ctx)
}

// UnloadWorkspace always returns ErrUnsupported.
func (p *proxyWrapper) UnloadWorkspace(ctx context.Context, dir string) error {
	return p.impl.UnloadWorkspace(ctx, dir)
}

// ChangePort retargets the next connection attempt.
func (p *proxyWrapper) ChangePort(port int) {
	p.impl.ChangePort(port)
}

// SetError records a sticky fatal error.
func (p *proxyWrapper) SetError(err error) {
	p.impl.SetError(err)
}

// ClearError forgets the sticky fatal error.
func (p *proxyWrapper) ClearError() {
	p.impl.ClearError()
}

// Initialized reports whether the handshake completed.
func (p *proxyWrapper) Initialized() bool {
	return p.impl.Initialized()
}

// InitializationResult returns the backend's initialize result.
func (p *proxyWrapper) InitializationResult() []byte {
	return p.impl.InitializationResult()
}

// State returns the connection state.
func (p *proxyWrapper) State() State {
	return p.impl.State()
}

// Address returns the backend address.
func (p *proxyWrapper) Address() string {
	return p.impl.Address()
}

// Done is closed once Exit completed.
func (p *proxyWrapper) Done() <-chan struct{} {
	return p.impl.Done()
}

// OnConnected registers a connected listener.
func (p *proxyWrapper) OnConnected(fn func()) (remove func()) {
	return p.impl.OnConnected(fn)
}

// OnDisconnected registers a disconnected listener.
func (p *proxyWrapper) OnDisconnected(fn func(reason error)) (remove func()) {
	return p.impl.OnDisconnected(fn)
}

// OnExit registers an exit listener.
func (p *proxyWrapper) OnExit(fn func()) (remove func()) {
	return p.impl.OnExit(fn)
}

// OnDialError registers a dial error listener.
func (p *proxyWrapper) OnDialError(fn func(err error)) (remove func()) {
	return p.impl.OnDialError(fn)
}

// OnListening registers a listening listener.
func (p *proxyWrapper) OnListening(fn func(addr net.Addr)) (remove func()) {
	return p.impl.OnListening(fn)
}
