package proxy

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wagiedev/lspproxy/internal/config"
	"github.com/wagiedev/lspproxy/internal/connection"
	"github.com/wagiedev/lspproxy/internal/errors"
	"github.com/wagiedev/lspproxy/internal/events"
	"github.com/wagiedev/lspproxy/internal/metrics"
	"github.com/wagiedev/lspproxy/internal/protocol"
)

// closedMessage is the error message of every response synthesized after Exit.
const closedMessage = "Server closed"

// Proxy forwards traffic to one backend language server.
type Proxy struct {
	log             *slog.Logger
	backendLog      *slog.Logger
	verbose         config.VerboseSource
	shutdownTimeout time.Duration

	manager *connection.Manager
	session *protocol.Session
	metrics *metrics.Collector

	exited events.Listeners[struct{}]

	// Lifecycle management
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a proxy. No connection is made until the first request.
func New(opts *config.Options) *Proxy {
	opts = opts.WithDefaults()

	p := &Proxy{
		log:             opts.Logger.With("component", "proxy"),
		backendLog:      opts.Logger.With("component", "backend"),
		verbose:         opts.Verbose,
		shutdownTimeout: opts.ShutdownTimeout,
		session:         protocol.NewSession(opts.Logger),
		metrics:         metrics.New(opts.MetricsRegisterer),
		done:            make(chan struct{}),
	}

	p.manager = connection.New(opts, p.metrics, p.handleNotification)

	// A new connection needs a new handshake.
	p.manager.OnDisconnected(func(error) {
		p.session.Reset()
	})

	return p
}

// HandleRequest forwards req to the backend and returns the outcome.
//
// It never fails with a Go error: connection and transport failures are
// reported as error responses. After Exit every call returns a
// RequestCancelled "Server closed" response without touching the network.
// Notifications yield a response with neither Result nor Error on success.
func (p *Proxy) HandleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	return p.Forward(ctx, req)(ctx)
}

// Forward writes req to the backend and returns a function that waits for
// its outcome, with the same semantics as HandleRequest. Messages forwarded
// in sequence reach the backend in that order even when their responses are
// awaited concurrently.
func (p *Proxy) Forward(ctx context.Context, req *protocol.Request) func(context.Context) *protocol.Response {
	kind := "request"
	if req.IsNotification {
		kind = "notification"
	}

	if p.closed.Load() {
		p.metrics.Request(kind, metrics.OutcomeClosed, 0)

		return settled(protocol.ErrorResponse(req.ID, protocol.CodeRequestCancelled, closedMessage))
	}

	ch, err := p.manager.Connect(ctx)
	if err != nil {
		return settled(p.failure(kind, req, err))
	}

	if req.IsNotification {
		if err := ch.SendNotification(ctx, req.Method, req.Params); err != nil {
			return settled(p.failure(kind, req, err))
		}

		p.metrics.Request(kind, metrics.OutcomeOK, 0)

		return settled(&protocol.Response{ID: req.ID})
	}

	start := time.Now()

	call, err := ch.StartRequest(ctx, req.Method, req.Params)
	if err != nil {
		return settled(p.failure(kind, req, err))
	}

	return func(ctx context.Context) *protocol.Response {
		resp, err := call.Wait(ctx)
		if err != nil {
			return p.failure(kind, req, err)
		}

		outcome := metrics.OutcomeOK
		if resp.Error != nil {
			outcome = metrics.OutcomeProtocolError
		}

		p.metrics.Request(kind, outcome, time.Since(start).Seconds())

		return protocol.FromWire(req.ID, resp)
	}
}

func settled(resp *protocol.Response) func(context.Context) *protocol.Response {
	return func(context.Context) *protocol.Response { return resp }
}

// failure converts err into an error response for req.
func (p *Proxy) failure(kind string, req *protocol.Request, err error) *protocol.Response {
	if stderrors.Is(err, errors.ErrProxyClosed) {
		p.metrics.Request(kind, metrics.OutcomeClosed, 0)

		return protocol.ErrorResponse(req.ID, protocol.CodeRequestCancelled, closedMessage)
	}

	p.metrics.Request(kind, metrics.OutcomeFailed, 0)
	p.log.Warn("Request failed", "method", req.Method, "error", err)

	code := int64(protocol.CodeInternalError)

	if wireErr, ok := stderrors.AsType[*jsonrpc.Error](err); ok {
		code = wireErr.Code
	} else if stderrors.Is(err, context.Canceled) {
		code = protocol.CodeRequestCancelled
	}

	return protocol.ErrorResponse(req.ID, code, err.Error())
}

// Initialize runs the initialize handshake.
//
// A sticky fatal error set through SetError is returned immediately. The
// backend's answer is returned as is; when it is an error response the
// initialized notification is not sent.
func (p *Proxy) Initialize(
	ctx context.Context,
	capabilities any,
	folders []protocol.WorkspaceFolder,
	initOptions any,
) (*protocol.Response, error) {
	if err := p.manager.FatalError(); err != nil {
		return nil, err
	}

	if p.closed.Load() {
		return nil, errors.ErrProxyClosed
	}

	ch, err := p.manager.Connect(ctx)
	if err != nil {
		return nil, err
	}

	params := protocol.NewInitializeParams(capabilities, folders, initOptions)

	resp, err := p.session.Initialize(ctx, ch, params)
	if err != nil {
		return nil, err
	}

	return protocol.FromWire(jsonrpc.ID{}, resp), nil
}

// Shutdown sends the shutdown request and returns the backend's answer.
func (p *Proxy) Shutdown(ctx context.Context) (*protocol.Response, error) {
	if p.closed.Load() {
		return nil, errors.ErrProxyClosed
	}

	ch, err := p.manager.Connect(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.session.Shutdown(ctx, ch)
	if err != nil {
		return nil, err
	}

	return protocol.FromWire(jsonrpc.ID{}, resp), nil
}

// Exit closes the proxy for good.
//
// When a backend connection exists, shutdown and exit are sent on it first,
// the shutdown bounded by the configured timeout. Failures are logged and
// not retried. Exit returns after the exit listeners ran. Calls after the
// first wait for the first to finish.
//
// Exit may be called from connection listeners and log handlers. It does not
// wait for listeners that are still running.
func (p *Proxy) Exit(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.manager.Close()

		if ch := p.manager.Channel(); ch != nil {
			p.exitHandshake(ctx, ch)

			if err := ch.Close(); err != nil {
				p.log.Debug("Closing backend connection", "error", err)
			}
		}

		p.manager.Wait()
		p.session.Reset()
		close(p.done)

		p.log.Info("Proxy exited")
		p.exited.Emit(struct{}{})
	})
}

func (p *Proxy) exitHandshake(ctx context.Context, ch *protocol.Channel) {
	shutdownCtx, cancel := context.WithTimeout(ctx, p.shutdownTimeout)
	defer cancel()

	resp, err := p.session.Shutdown(shutdownCtx, ch)

	switch {
	case err != nil:
		p.log.Warn("Shutdown request failed", "error", err)
	case resp.Error != nil:
		p.log.Warn("Backend rejected shutdown", "error", resp.Error)
	}

	exitCtx, cancel := context.WithTimeout(ctx, p.shutdownTimeout)
	defer cancel()

	if err := p.session.Exit(exitCtx, ch); err != nil {
		p.log.Warn("Exit notification failed", "error", err)
	}
}

// UnloadWorkspace is not supported by socket backends.
func (p *Proxy) UnloadWorkspace(_ context.Context, _ string) error {
	return errors.ErrUnsupported
}

// ChangePort retargets the next connection attempt, cancelling one in flight.
func (p *Proxy) ChangePort(port int) {
	p.manager.ChangePort(port)
}

// SetError records a sticky fatal error that fails Initialize until cleared.
// Any connection attempt in flight is cancelled with err.
func (p *Proxy) SetError(err error) {
	p.manager.SetError(err)
}

// ClearError forgets the sticky fatal error.
func (p *Proxy) ClearError() {
	p.manager.ClearError()
}

// Initialized reports whether the handshake completed on the current connection.
func (p *Proxy) Initialized() bool {
	return p.session.Initialized()
}

// InitializationResult returns the backend's initialize result, or nil.
func (p *Proxy) InitializationResult() []byte {
	return p.session.InitializationResult()
}

// State returns the connection state.
func (p *Proxy) State() connection.State {
	return p.manager.State()
}

// Address returns the backend address the next attempt targets.
func (p *Proxy) Address() string {
	return p.manager.Address()
}

// Done returns a channel closed once Exit completed.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// OnConnected registers fn to run after each backend connection is established.
func (p *Proxy) OnConnected(fn func()) (remove func()) {
	return p.manager.OnConnected(func(*protocol.Channel) { fn() })
}

// OnDisconnected registers fn to run after the backend connection closes.
func (p *Proxy) OnDisconnected(fn func(reason error)) (remove func()) {
	return p.manager.OnDisconnected(fn)
}

// OnExit registers fn to run once Exit completed.
func (p *Proxy) OnExit(fn func()) (remove func()) {
	return p.exited.Add(func(struct{}) { fn() })
}

// OnDialError registers fn to run after each failed dial.
func (p *Proxy) OnDialError(fn func(err error)) (remove func()) {
	return p.manager.OnDialError(fn)
}

// OnListening registers fn to run when an accept-mode listener is bound.
func (p *Proxy) OnListening(fn func(addr net.Addr)) (remove func()) {
	return p.manager.OnListening(fn)
}
