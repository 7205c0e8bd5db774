package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/lspproxy/internal/config"
	"github.com/wagiedev/lspproxy/internal/connection"
	"github.com/wagiedev/lspproxy/internal/errors"
	"github.com/wagiedev/lspproxy/internal/protocol"
	"github.com/wagiedev/lspproxy/internal/testutil"
)

func newProxy(t *testing.T, opts *config.Options) *Proxy {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = testutil.Logger()
	}

	if opts.DialRetryInterval == 0 {
		opts.DialRetryInterval = 10 * time.Millisecond
		opts.DialRetryMax = 50 * time.Millisecond
	}

	p := New(opts)
	t.Cleanup(func() { p.Exit(context.Background()) })

	return p
}

func requestID(t *testing.T, n float64) jsonrpc.ID {
	t.Helper()

	id, err := jsonrpc.MakeID(n)
	require.NoError(t, err)

	return id
}

func TestProxy_HandleRequestForwardsResult(t *testing.T) {
	backend := testutil.NewBackend(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return testutil.Result(req, 42)
	})
	p := newProxy(t, &config.Options{Port: backend.Port()})

	resp := p.HandleRequest(context.Background(), &protocol.Request{
		ID:     requestID(t, 7),
		Method: "foo",
		Params: []int{1, 2},
	})

	require.False(t, resp.IsError())
	require.JSONEq(t, `42`, string(resp.Result))
	require.Equal(t, int64(7), resp.ID.Raw())

	received := backend.WaitFor("foo")
	require.Equal(t, int64(1), received.ID.Raw())
	require.JSONEq(t, `[1,2]`, string(received.Params))
	require.Equal(t, connection.StateConnected, p.State())
}

func TestProxy_HandleRequestProtocolError(t *testing.T) {
	backend := testutil.NewBackend(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return testutil.ErrorReply(req, protocol.CodeInvalidParams, "bad position")
	})
	p := newProxy(t, &config.Options{Port: backend.Port()})

	resp := p.HandleRequest(context.Background(), &protocol.Request{Method: "textDocument/hover"})

	require.True(t, resp.IsError())
	require.Equal(t, int64(protocol.CodeInvalidParams), resp.Error.Code)
	require.Equal(t, "bad position", resp.Error.Message)
	require.Nil(t, resp.Result)
}

func TestProxy_HandleRequestConnectionDropped(t *testing.T) {
	backend := testutil.NewBackend(t, func(*jsonrpc.Request) *jsonrpc.Response { return nil })
	p := newProxy(t, &config.Options{Port: backend.Port()})

	go func() {
		for len(backend.Received()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}

		backend.DropConnections()
	}()

	resp := p.HandleRequest(context.Background(), &protocol.Request{Method: "slow"})

	require.True(t, resp.IsError())
	require.Equal(t, int64(protocol.CodeInternalError), resp.Error.Code)
	require.Contains(t, resp.Error.Message, errors.ErrConnectionClosed.Error())
}

func TestProxy_HandleNotification(t *testing.T) {
	backend := testutil.NewBackend(t, nil)
	p := newProxy(t, &config.Options{Port: backend.Port()})

	resp := p.HandleRequest(context.Background(), &protocol.Request{
		Method:         "textDocument/didOpen",
		Params:         map[string]any{"textDocument": map[string]any{"uri": "file:///a.go"}},
		IsNotification: true,
	})

	require.False(t, resp.IsError())
	require.Nil(t, resp.Result)

	received := backend.WaitFor("textDocument/didOpen")
	require.False(t, received.IsCall())
}

func TestProxy_ConcurrentRequestsShareConnection(t *testing.T) {
	backend := testutil.NewBackend(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return testutil.Result(req, req.Method)
	})
	p := newProxy(t, &config.Options{Port: backend.Port()})

	var connects atomic.Int32

	p.OnConnected(func() { connects.Add(1) })

	var wg sync.WaitGroup

	responses := make([]*protocol.Response, 2)

	for i, method := range []string{"a", "b"} {
		wg.Go(func() {
			responses[i] = p.HandleRequest(context.Background(), &protocol.Request{Method: method})
		})
	}

	wg.Wait()

	require.JSONEq(t, `"a"`, string(responses[0].Result))
	require.JSONEq(t, `"b"`, string(responses[1].Result))
	require.Equal(t, int32(1), connects.Load())
	require.Eventually(t, func() bool { return backend.Accepts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProxy_Initialize(t *testing.T) {
	backend := testutil.NewBackend(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		if req.Method == protocol.MethodInitialize {
			return testutil.Result(req, map[string]any{"capabilities": map[string]any{"hoverProvider": true}})
		}

		return testutil.EchoNull(req)
	})
	p := newProxy(t, &config.Options{Port: backend.Port()})

	resp, err := p.Initialize(
		context.Background(),
		map[string]any{"textDocument": map[string]any{}},
		[]protocol.WorkspaceFolder{{URI: "file:///proj"}},
		nil,
	)
	require.NoError(t, err)
	require.False(t, resp.IsError())
	require.JSONEq(t, `{"capabilities":{"hoverProvider":true}}`, string(resp.Result))
	require.True(t, p.Initialized())
	require.JSONEq(t, `{"capabilities":{"hoverProvider":true}}`, string(p.InitializationResult()))

	backend.WaitFor(protocol.MethodInitialized)
	require.Equal(t, []string{protocol.MethodInitialize, protocol.MethodInitialized}, backend.Methods())

	var params map[string]any
	require.NoError(t, json.Unmarshal(backend.Received()[0].Params, &params))

	assert.Nil(t, params["processId"])
	assert.Contains(t, params, "processId")
	assert.Equal(t, "file:///proj", params["rootUri"])
	assert.Equal(t, "/proj", params["rootPath"])
	assert.NotContains(t, params, "initializationOptions")
}

func TestProxy_InitializeRejected(t *testing.T) {
	backend := testutil.NewBackend(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return testutil.ErrorReply(req, protocol.CodeInternalError, "no workspace")
	})
	p := newProxy(t, &config.Options{Port: backend.Port()})

	resp, err := p.Initialize(context.Background(), nil, nil, map[string]any{"trace": true})
	require.NoError(t, err)
	require.True(t, resp.IsError())
	require.False(t, p.Initialized())

	// Give a stray initialized notification time to arrive.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{protocol.MethodInitialize}, backend.Methods())
}

func TestProxy_InitializeFatalError(t *testing.T) {
	backend := testutil.NewBackend(t, nil)
	p := newProxy(t, &config.Options{Port: backend.Port()})

	fatal := &errors.ConnectionError{Addr: "backend", Err: errors.ErrUnsupported}
	p.SetError(fatal)

	_, err := p.Initialize(context.Background(), nil, nil, nil)
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 0, backend.Accepts())

	p.ClearError()

	_, err = p.Initialize(context.Background(), nil, nil, nil)
	require.NoError(t, err)
}

func TestProxy_DisconnectResetsSession(t *testing.T) {
	backend := testutil.NewBackend(t, nil)
	p := newProxy(t, &config.Options{Port: backend.Port()})

	disconnected := make(chan error, 1)
	p.OnDisconnected(func(reason error) { disconnected <- reason })

	_, err := p.Initialize(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.True(t, p.Initialized())

	backend.DropConnections()

	select {
	case reason := <-disconnected:
		require.ErrorIs(t, reason, errors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}

	require.False(t, p.Initialized())
}

func TestProxy_ExitFromListener(t *testing.T) {
	waitExited := func(t *testing.T, p *Proxy, exited <-chan struct{}) {
		t.Helper()

		select {
		case <-exited:
		case <-time.After(2 * time.Second):
			t.Fatal("exit from listener did not return")
		}

		select {
		case <-p.Done():
		default:
			t.Fatal("done not closed after exit")
		}
	}

	t.Run("disconnected", func(t *testing.T) {
		backend := testutil.NewBackend(t, nil)
		p := newProxy(t, &config.Options{Port: backend.Port()})

		exited := make(chan struct{})

		p.OnDisconnected(func(error) {
			p.Exit(context.Background())
			close(exited)
		})

		require.False(t, p.HandleRequest(context.Background(), &protocol.Request{Method: "ping"}).IsError())

		backend.DropConnections()

		waitExited(t, p, exited)
		require.Equal(t, connection.StateClosed, p.State())
	})

	t.Run("connected", func(t *testing.T) {
		backend := testutil.NewBackend(t, nil)
		p := newProxy(t, &config.Options{Port: backend.Port()})

		exited := make(chan struct{})
		exits := make(chan struct{}, 1)

		p.OnExit(func() { exits <- struct{}{} })
		p.OnConnected(func() {
			p.Exit(context.Background())
			close(exited)
		})

		_ = p.HandleRequest(context.Background(), &protocol.Request{Method: "ping"})

		waitExited(t, p, exited)
		<-exits

		backend.WaitFor(protocol.MethodExit)
		require.Contains(t, backend.Methods(), protocol.MethodShutdown)
	})
}

func TestProxy_Shutdown(t *testing.T) {
	backend := testutil.NewBackend(t, nil)
	p := newProxy(t, &config.Options{Port: backend.Port()})

	resp, err := p.Shutdown(context.Background())
	require.NoError(t, err)
	require.False(t, resp.IsError())
	require.Equal(t, []string{protocol.MethodShutdown}, backend.Methods())
}

func TestProxy_Exit(t *testing.T) {
	t.Run("runs handshake on live connection", func(t *testing.T) {
		backend := testutil.NewBackend(t, nil)
		p := newProxy(t, &config.Options{Port: backend.Port()})

		var exits atomic.Int32

		p.OnExit(func() { exits.Add(1) })

		resp := p.HandleRequest(context.Background(), &protocol.Request{Method: "ping"})
		require.False(t, resp.IsError())

		p.Exit(context.Background())
		p.Exit(context.Background())

		backend.WaitFor(protocol.MethodExit)
		require.Equal(t, []string{"ping", protocol.MethodShutdown, protocol.MethodExit}, backend.Methods())
		require.Equal(t, int32(1), exits.Load())
		require.Equal(t, connection.StateClosed, p.State())

		select {
		case <-p.Done():
		default:
			t.Fatal("done not closed after exit")
		}
	})

	t.Run("never connected", func(t *testing.T) {
		backend := testutil.NewBackend(t, nil)
		p := newProxy(t, &config.Options{Port: backend.Port()})

		exited := make(chan struct{})
		p.OnExit(func() { close(exited) })

		p.Exit(context.Background())

		<-exited
		require.Equal(t, 0, backend.Accepts())
	})

	t.Run("shutdown bounded by timeout", func(t *testing.T) {
		// Never answer shutdown.
		backend := testutil.NewBackend(t, func(req *jsonrpc.Request) *jsonrpc.Response {
			if req.Method == protocol.MethodShutdown {
				return nil
			}

			return testutil.EchoNull(req)
		})
		p := newProxy(t, &config.Options{Port: backend.Port(), ShutdownTimeout: 50 * time.Millisecond})

		resp := p.HandleRequest(context.Background(), &protocol.Request{Method: "ping"})
		require.False(t, resp.IsError())

		start := time.Now()
		p.Exit(context.Background())

		require.Less(t, time.Since(start), 2*time.Second)
		backend.WaitFor(protocol.MethodExit)
	})
}

func TestProxy_RequestsAfterExit(t *testing.T) {
	backend := testutil.NewBackend(t, nil)
	p := newProxy(t, &config.Options{Port: backend.Port()})

	require.False(t, p.HandleRequest(context.Background(), &protocol.Request{Method: "ping"}).IsError())

	p.Exit(context.Background())
	backend.WaitFor(protocol.MethodExit)

	before := len(backend.Received())

	for _, req := range []*protocol.Request{
		{Method: "textDocument/hover", ID: requestID(t, 3)},
		{Method: "textDocument/didChange", IsNotification: true},
	} {
		resp := p.HandleRequest(context.Background(), req)

		require.True(t, resp.IsError())
		require.Equal(t, int64(protocol.CodeRequestCancelled), resp.Error.Code)
		require.Equal(t, "Server closed", resp.Error.Message)
		require.Equal(t, req.ID, resp.ID)
	}

	_, err := p.Initialize(context.Background(), nil, nil, nil)
	require.ErrorIs(t, err, errors.ErrProxyClosed)

	_, err = p.Shutdown(context.Background())
	require.ErrorIs(t, err, errors.ErrProxyClosed)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, backend.Received(), before)
	require.Equal(t, 1, backend.Accepts())
}

func TestProxy_ChangePortRetargets(t *testing.T) {
	first := testutil.NewBackend(t, nil)
	second := testutil.NewBackend(t, nil)
	p := newProxy(t, &config.Options{Port: first.Port()})

	p.ChangePort(second.Port())

	require.False(t, p.HandleRequest(context.Background(), &protocol.Request{Method: "ping"}).IsError())
	require.Equal(t, 0, first.Accepts())
	require.Eventually(t, func() bool { return second.Accepts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProxy_UnloadWorkspace(t *testing.T) {
	p := newProxy(t, &config.Options{Port: 1})

	require.ErrorIs(t, p.UnloadWorkspace(context.Background(), "/proj"), errors.ErrUnsupported)
}
