// Package testutil provides a scripted language server backend for tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/lspproxy/internal/transport"
)

// Handler answers one inbound request. Returning nil leaves the request
// unanswered.
type Handler func(req *jsonrpc.Request) *jsonrpc.Response

// Result builds a success response for req.
func Result(req *jsonrpc.Request, v any) *jsonrpc.Response {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return &jsonrpc.Response{ID: req.ID, Result: data}
}

// ErrorReply builds an error response for req.
func ErrorReply(req *jsonrpc.Request, code int64, message string) *jsonrpc.Response {
	return &jsonrpc.Response{ID: req.ID, Error: &jsonrpc.Error{Code: code, Message: message}}
}

// EchoNull answers every request with a null result.
func EchoNull(req *jsonrpc.Request) *jsonrpc.Response {
	return &jsonrpc.Response{ID: req.ID, Result: json.RawMessage("null")}
}

// Logger returns a logger that discards all output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Backend is a fake language server speaking framed JSON-RPC over TCP.
//
// It records every inbound message, answers requests through its Handler,
// and can push notifications or drop its connections on demand.
type Backend struct {
	t       testing.TB
	log     *slog.Logger
	handler Handler
	ln      net.Listener

	mu       sync.Mutex
	conns    []*transport.Conn
	received []*jsonrpc.Request
	accepts  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBackend(t testing.TB, h Handler) *Backend {
	t.Helper()

	if h == nil {
		h = EchoNull
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Backend{
		t:       t,
		log:     Logger(),
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewBackend starts a backend listening on an ephemeral loopback port.
// It is closed automatically when the test ends.
func NewBackend(t testing.TB, h Handler) *Backend {
	t.Helper()

	b := newBackend(t, h)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b.ln = ln

	b.wg.Go(b.acceptLoop)
	t.Cleanup(b.Close)

	return b
}

// DialBackend connects a backend to a proxy listening on addr, retrying
// until the listener is up.
func DialBackend(t testing.TB, addr string, h Handler) *Backend {
	t.Helper()

	b := newBackend(t, h)

	var conn net.Conn

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}

		conn = c

		return true
	}, 5*time.Second, 10*time.Millisecond)

	b.serve(conn)
	t.Cleanup(b.Close)

	return b
}

// Port returns the listening port.
func (b *Backend) Port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

// Accepts returns how many connections the backend has accepted.
func (b *Backend) Accepts() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.accepts
}

// Received returns a copy of every message received so far, in order.
func (b *Backend) Received() []*jsonrpc.Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.received)
}

// Methods returns the method names of every message received so far.
func (b *Backend) Methods() []string {
	received := b.Received()
	methods := make([]string, len(received))

	for i, r := range received {
		methods[i] = r.Method
	}

	return methods
}

// WaitFor blocks until a message with method has been received and returns
// the first such message.
func (b *Backend) WaitFor(method string) *jsonrpc.Request {
	b.t.Helper()

	var found *jsonrpc.Request

	require.Eventually(b.t, func() bool {
		for _, r := range b.Received() {
			if r.Method == method {
				found = r

				return true
			}
		}

		return false
	}, 5*time.Second, 5*time.Millisecond, "backend never received %s", method)

	return found
}

// Notify sends a notification on every open connection.
func (b *Backend) Notify(method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conns := slices.Clone(b.conns)
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.SendMessage(b.ctx, &jsonrpc.Request{Method: method, Params: data}); err != nil {
			return err
		}
	}

	return nil
}

// Reply sends resp on every open connection. It is used to answer requests
// the Handler left pending.
func (b *Backend) Reply(resp *jsonrpc.Response) error {
	b.mu.Lock()
	conns := slices.Clone(b.conns)
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.SendMessage(b.ctx, resp); err != nil {
			return err
		}
	}

	return nil
}

// DropConnections closes every open connection while keeping the listener.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the backend and closes all connections.
func (b *Backend) Close() {
	b.cancel()

	if b.ln != nil {
		_ = b.ln.Close()
	}

	b.DropConnections()
	b.wg.Wait()
}

func (b *Backend) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}

		b.serve(conn)
	}
}

func (b *Backend) serve(conn net.Conn) {
	tc := transport.New(b.log, conn)

	b.mu.Lock()
	b.accepts++
	b.conns = append(b.conns, tc)
	b.mu.Unlock()

	messages, _ := tc.ReadMessages(b.ctx)

	b.wg.Go(func() {
		for msg := range messages {
			req, ok := msg.(*jsonrpc.Request)
			if !ok {
				continue
			}

			b.mu.Lock()
			b.received = append(b.received, req)
			b.mu.Unlock()

			if !req.IsCall() {
				continue
			}

			if resp := b.handler(req); resp != nil {
				_ = tc.SendMessage(b.ctx, resp)
			}
		}
	})
}
