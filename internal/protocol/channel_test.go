package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/lspproxy/internal/errors"
	wire "github.com/wagiedev/lspproxy/internal/transport"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu       sync.Mutex
	sent     []jsonrpc.Message
	sentChan chan jsonrpc.Message
	msgChan  chan jsonrpc.Message
	errChan  chan error
	closed   bool
	reads    int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		sentChan: make(chan jsonrpc.Message, 100),
		msgChan:  make(chan jsonrpc.Message, 10),
		errChan:  make(chan error, 1),
	}
}

func (m *mockTransport) ReadMessages(_ context.Context) (<-chan jsonrpc.Message, <-chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++

	return m.msgChan, m.errChan
}

func (m *mockTransport) SendMessage(_ context.Context, msg jsonrpc.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrConnectionClosed
	}

	m.sent = append(m.sent, msg)
	m.sentChan <- msg

	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// hangUp simulates the backend closing the socket.
func (m *mockTransport) hangUp() {
	close(m.errChan)
	close(m.msgChan)
}

func (m *mockTransport) deliver(msg jsonrpc.Message) {
	m.msgChan <- msg
}

// nextRequest waits for the channel to write a request.
func (m *mockTransport) nextRequest(t *testing.T) *jsonrpc.Request {
	t.Helper()

	select {
	case msg := <-m.sentChan:
		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok, "expected request, got %T", msg)

		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")

		return nil
	}
}

func reply(t *testing.T, id jsonrpc.ID, result string) *jsonrpc.Response {
	t.Helper()

	return &jsonrpc.Response{ID: id, Result: json.RawMessage(result)}
}

func TestChannel_RequestResponse(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	defer ch.Close()

	go func() {
		req := transport.nextRequest(t)
		transport.deliver(reply(t, req.ID, `42`))
	}()

	resp, err := ch.SendRequest(context.Background(), "foo", []int{1, 2})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `42`, string(resp.Result))

	transport.mu.Lock()
	sent := transport.sent[0].(*jsonrpc.Request)
	transport.mu.Unlock()

	require.Equal(t, "foo", sent.Method)
	require.Equal(t, int64(1), sent.ID.Raw())
	require.JSONEq(t, `[1,2]`, string(sent.Params))
}

func TestChannel_ProtocolErrorIsNotGoError(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	defer ch.Close()

	go func() {
		req := transport.nextRequest(t)
		transport.deliver(&jsonrpc.Response{
			ID:    req.ID,
			Error: &jsonrpc.Error{Code: CodeInvalidParams, Message: "bad position"},
		})
	}()

	resp, err := ch.SendRequest(context.Background(), "textDocument/hover", nil)
	require.NoError(t, err)
	require.Error(t, resp.Error)
	require.EqualError(t, resp.Error, "bad position")
}

func TestChannel_ConcurrentRequestsCorrelate(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	defer ch.Close()

	const n = 20

	// Answer in reverse order of arrival, echoing the method name.
	go func() {
		reqs := make([]*jsonrpc.Request, 0, n)
		for range n {
			reqs = append(reqs, transport.nextRequest(t))
		}

		for i := len(reqs) - 1; i >= 0; i-- {
			data, _ := json.Marshal(reqs[i].Method)
			transport.deliver(&jsonrpc.Response{ID: reqs[i].ID, Result: data})
		}
	}()

	var wg sync.WaitGroup

	for i := range n {
		wg.Go(func() {
			method := "m" + string(rune('a'+i))

			resp, err := ch.SendRequest(context.Background(), method, nil)
			assert.NoError(t, err)

			var got string
			assert.NoError(t, json.Unmarshal(resp.Result, &got))
			assert.Equal(t, method, got)
		})
	}

	wg.Wait()
	require.Zero(t, ch.PendingCount())
}

func TestChannel_CloseFailsPendingRequests(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	const k = 5

	errs := make(chan error, k)

	for range k {
		go func() {
			_, err := ch.SendRequest(context.Background(), "slow", nil)
			errs <- err
		}()
	}

	for range k {
		transport.nextRequest(t)
	}

	transport.hangUp()

	for range k {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, errors.ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not released")
		}
	}

	<-ch.Done()
	require.ErrorIs(t, ch.Err(), errors.ErrConnectionClosed)

	transport.mu.Lock()
	require.True(t, transport.closed, "transport should be closed when the peer hangs up")
	transport.mu.Unlock()

	_, err := ch.SendRequest(context.Background(), "after", nil)
	require.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestChannel_NotificationsInOrder(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)

	defer ch.Close()

	var (
		mu  sync.Mutex
		got []string
	)

	done := make(chan struct{})

	ch.OnNotification(func(req *jsonrpc.Request) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, req.Method)
		if len(got) == 3 {
			close(done)
		}
	})

	transport.deliver(&jsonrpc.Request{Method: "a"})
	transport.deliver(&jsonrpc.Request{Method: "b"})
	transport.deliver(&jsonrpc.Request{Method: "c"})

	// Nothing is processed before Listen.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Empty(t, got)
	mu.Unlock()

	ch.Listen()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestChannel_OnNotificationReplacesHandler(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)

	defer ch.Close()

	first := make(chan string, 1)
	second := make(chan string, 1)

	ch.OnNotification(func(req *jsonrpc.Request) { first <- req.Method })
	ch.OnNotification(func(req *jsonrpc.Request) { second <- req.Method })
	ch.Listen()

	transport.deliver(&jsonrpc.Request{Method: "window/logMessage"})

	select {
	case m := <-second:
		require.Equal(t, "window/logMessage", m)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	require.Empty(t, first)
}

func TestChannel_ListenIsIdempotent(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)

	defer ch.Close()

	ch.Listen()
	ch.Listen()
	ch.Listen()

	transport.mu.Lock()
	defer transport.mu.Unlock()

	require.Equal(t, 1, transport.reads)
}

func TestChannel_RejectsServerRequests(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	defer ch.Close()

	id, err := jsonrpc.MakeID("srv-1")
	require.NoError(t, err)

	transport.deliver(&jsonrpc.Request{ID: id, Method: "workspace/configuration"})

	select {
	case msg := <-transport.sentChan:
		resp, ok := msg.(*jsonrpc.Response)
		require.True(t, ok)
		require.Equal(t, "srv-1", resp.ID.Raw())

		var wireErr *jsonrpc.Error
		require.ErrorAs(t, resp.Error, &wireErr)
		require.Equal(t, int64(CodeMethodNotFound), wireErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("server request not answered")
	}
}

func TestChannel_ContextCancelSendsCancelRequest(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)

	go func() {
		_, err := ch.SendRequest(ctx, "workspace/symbol", map[string]string{"query": "x"})
		errs <- err
	}()

	req := transport.nextRequest(t)

	cancel()

	require.ErrorIs(t, <-errs, context.Canceled)

	notif := transport.nextRequest(t)
	require.Equal(t, MethodCancelRequest, notif.Method)
	require.False(t, notif.IsCall())
	require.JSONEq(t, `{"id":1}`, string(notif.Params))
	require.Equal(t, int64(1), req.ID.Raw())

	// A late response for the abandoned id is dropped.
	transport.deliver(reply(t, req.ID, `null`))
	require.Zero(t, ch.PendingCount())
}

func TestChannel_SendNotification(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)

	defer ch.Close()

	require.NoError(t, ch.SendNotification(context.Background(), MethodInitialized, map[string]any{}))

	req := transport.nextRequest(t)
	require.Equal(t, MethodInitialized, req.Method)
	require.False(t, req.IsCall())
	require.JSONEq(t, `{}`, string(req.Params))
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	require.ErrorIs(t, ch.SendNotification(context.Background(), "x", nil), errors.ErrConnectionClosed)
	require.NotEmpty(t, ch.ID())
}

func TestChannel_StartRequestWritesBeforeWaiting(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)
	ch.Listen()

	defer ch.Close()

	first, err := ch.StartRequest(context.Background(), "textDocument/completion", nil)
	require.NoError(t, err)

	require.NoError(t, ch.SendNotification(context.Background(), "textDocument/didChange", nil))

	second, err := ch.StartRequest(context.Background(), "textDocument/hover", nil)
	require.NoError(t, err)

	transport.mu.Lock()
	methods := make([]string, 0, len(transport.sent))

	for _, msg := range transport.sent {
		methods = append(methods, msg.(*jsonrpc.Request).Method)
	}
	transport.mu.Unlock()

	require.Equal(t, []string{"textDocument/completion", "textDocument/didChange", "textDocument/hover"}, methods)
	require.Equal(t, 2, ch.PendingCount())

	// Answer out of order.
	transport.deliver(reply(t, second.id, `"hover"`))
	transport.deliver(reply(t, first.id, `"completion"`))

	resp, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"completion"`, string(resp.Result))

	resp, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"hover"`, string(resp.Result))
}

func TestChannel_StalledCallerDoesNotFailOthers(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	ch := NewChannel(slog.Default(), wire.New(slog.Default(), left))
	ch.Listen()

	defer ch.Close()

	// Nobody reads yet, so the first request cannot be written in time.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ch.SendRequest(ctx, "workspace/symbol", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	type result struct {
		resp *jsonrpc.Response
		err  error
	}

	done := make(chan result, 1)

	go func() {
		resp, err := ch.SendRequest(context.Background(), "textDocument/hover", nil)
		done <- result{resp, err}
	}()

	// The backend now reads: the stalled frame, maybe its cancellation, then
	// the second request, which it answers.
	reader := bufio.NewReader(right)

	for {
		body, err := wire.ReadFrame(reader)
		require.NoError(t, err)

		msg, err := jsonrpc.DecodeMessage(body)
		require.NoError(t, err)

		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok)

		if req.Method != "textDocument/hover" {
			continue
		}

		data, err := jsonrpc.EncodeMessage(reply(t, req.ID, `"hover"`))
		require.NoError(t, err)
		require.NoError(t, wire.WriteFrame(right, data))

		break
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.JSONEq(t, `"hover"`, string(r.resp.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("second request not answered")
	}

	require.NoError(t, ch.Err())
}

func TestChannel_HandlerMaySendRequests(t *testing.T) {
	transport := newMockTransport()
	ch := NewChannel(slog.Default(), transport)

	defer ch.Close()

	answered := make(chan string, 1)

	ch.OnNotification(func(req *jsonrpc.Request) {
		resp, err := ch.SendRequest(context.Background(), "workspace/symbol", nil)
		if err != nil {
			answered <- err.Error()

			return
		}

		answered <- string(resp.Result)
	})
	ch.Listen()

	transport.deliver(&jsonrpc.Request{Method: "window/logMessage"})

	// The response arrives while the handler is still waiting for it.
	req := transport.nextRequest(t)
	transport.deliver(reply(t, req.ID, `[]`))

	select {
	case got := <-answered:
		require.Equal(t, `[]`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never got its response")
	}
}
