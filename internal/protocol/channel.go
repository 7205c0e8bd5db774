package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/lspproxy/internal/errors"
)

// cancelNotifyTimeout bounds the best-effort $/cancelRequest sent when a
// caller abandons a request.
const cancelNotifyTimeout = 2 * time.Second

// Transport defines the minimal interface needed by a Channel.
//
// This interface is satisfied by transport.Conn but allows for testing
// with mock transports.
type Transport interface {
	ReadMessages(ctx context.Context) (<-chan jsonrpc.Message, <-chan error)
	SendMessage(ctx context.Context, msg jsonrpc.Message) error
	Close() error
}

// NotificationHandler receives inbound notifications.
type NotificationHandler func(req *jsonrpc.Request)

// Channel is a bidirectional JSON-RPC channel over one framed transport.
//
// The Channel must be started with Listen() before any inbound frame is
// processed. It closes itself when the transport reports end of stream, at
// which point every pending request fails with ErrConnectionClosed.
type Channel struct {
	log       *slog.Logger
	transport Transport
	id        string

	nextID atomic.Int64

	// Request tracking
	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Response

	// Single notification handler
	handlerMu sync.RWMutex
	handler   NotificationHandler

	// Notifications waiting for the handler, delivered in arrival order off
	// the read loop.
	queueMu     sync.Mutex
	queue       []*jsonrpc.Request
	dispatching bool

	// Fatal error handling - stores error and broadcasts via done channel
	errMu    sync.RWMutex
	fatalErr error

	// Lifecycle management
	ctx        context.Context
	cancel     context.CancelFunc
	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewChannel creates a channel over transport. Inbound frames are not read
// until Listen is called.
func NewChannel(log *slog.Logger, transport Transport) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()

	return &Channel{
		log:       log.With("component", "channel", "conn_id", id),
		transport: transport,
		id:        id,
		pending:   make(map[int64]chan *jsonrpc.Response, 10),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the unique identifier of this channel, used to correlate logs.
func (c *Channel) ID() string {
	return c.id
}

// Done returns a channel that is closed when the channel shuts down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel shut down, or nil while it is open.
func (c *Channel) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.fatalErr
}

// OnNotification sets the handler invoked for every inbound notification.
// A later call replaces the previous handler.
//
// The handler runs on its own goroutine, one notification at a time in
// arrival order. Responses keep flowing while it runs, so it may send
// requests on this channel and wait for them.
func (c *Channel) OnNotification(handler NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.handler = handler
}

// Listen begins reading inbound frames. Calls after the first are ignored.
func (c *Channel) Listen() {
	c.listenOnce.Do(func() {
		c.log.Debug("Starting channel read loop")

		messages, errs := c.transport.ReadMessages(c.ctx)

		c.wg.Add(1)

		go c.readLoop(messages, errs)
	})
}

// Close shuts the channel down and closes the transport. Pending requests
// fail with ErrConnectionClosed. It is safe to call Close multiple times.
func (c *Channel) Close() error {
	return c.shutdown(errors.ErrConnectionClosed)
}

// shutdown records reason, closes the transport, and releases waiters.
func (c *Channel) shutdown(reason error) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.fatalErr = reason
		c.errMu.Unlock()

		c.cancel()
		closeErr = c.transport.Close()

		close(c.done)

		c.log.Debug("Channel closed", "reason", reason)
	})

	return closeErr
}

// SendRequest sends a request and waits for the matching response.
//
// A protocol-level failure is not a Go error: it is carried in the Error
// field of the returned response. An error is returned only when the request
// could not be delivered, the channel closed first, or ctx ended. In the
// last case a $/cancelRequest notification is sent to the backend.
func (c *Channel) SendRequest(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	call, err := c.StartRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}

	return call.Wait(ctx)
}

// Call is a request that has been written and awaits its response.
type Call struct {
	ch       *Channel
	seq      int64
	id       jsonrpc.ID
	method   string
	response chan *jsonrpc.Response
}

// StartRequest writes a request and returns without waiting for the
// response. Requests started in sequence reach the backend in that order.
func (c *Channel) StartRequest(ctx context.Context, method string, params any) (*Call, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	seq := c.nextID.Add(1)

	id, err := jsonrpc.MakeID(float64(seq))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}

	call := &Call{
		ch:       c,
		seq:      seq,
		id:       id,
		method:   method,
		response: make(chan *jsonrpc.Response, 1),
	}

	c.pendingMu.Lock()
	c.pending[seq] = call.response
	c.pendingMu.Unlock()

	c.log.Debug("Sending request", "id", seq, "method", method)

	req := &jsonrpc.Request{ID: id, Method: method, Params: raw}

	if err := c.transport.SendMessage(ctx, req); err != nil {
		c.forget(seq)

		if cerr := c.Err(); cerr != nil {
			return nil, cerr
		}

		return nil, fmt.Errorf("send request %s: %w", method, err)
	}

	return call, nil
}

// Wait blocks until the response arrives, the channel closes, or ctx ends.
// It must be called at most once.
func (call *Call) Wait(ctx context.Context) (*jsonrpc.Response, error) {
	c := call.ch

	select {
	case resp := <-call.response:
		c.log.Debug("Received response", "id", call.seq, "method", call.method, "error", resp.Error != nil)

		return resp, nil

	case <-c.done:
		c.forget(call.seq)

		// A response delivered just before shutdown still wins.
		select {
		case resp := <-call.response:
			return resp, nil
		default:
		}

		c.log.Debug("Channel closed during request", "id", call.seq, "method", call.method)

		return nil, c.Err()

	case <-ctx.Done():
		c.forget(call.seq)

		c.log.Debug("Request abandoned by caller", "id", call.seq, "method", call.method)
		c.notifyCancel(call.id)

		return nil, ctx.Err()
	}
}

// SendNotification writes a notification without waiting for anything.
func (c *Channel) SendNotification(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.log.Debug("Sending notification", "method", method)

	if err := c.transport.SendMessage(ctx, &jsonrpc.Request{Method: method, Params: raw}); err != nil {
		if cerr := c.Err(); cerr != nil {
			return cerr
		}

		return fmt.Errorf("send notification %s: %w", method, err)
	}

	return nil
}

// PendingCount returns the number of requests waiting for a response.
func (c *Channel) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return len(c.pending)
}

func (c *Channel) forget(seq int64) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// notifyCancel tells the backend a request was abandoned.
func (c *Channel) notifyCancel(id jsonrpc.ID) {
	c.wg.Go(func() {
		ctx, cancel := context.WithTimeout(c.ctx, cancelNotifyTimeout)
		defer cancel()

		err := c.SendNotification(ctx, MethodCancelRequest, map[string]any{"id": id.Raw()})
		if err != nil {
			c.log.Debug("Could not send cancel notification", "error", err)
		}
	})
}

// readLoop pumps inbound messages until the transport ends.
func (c *Channel) readLoop(messages <-chan jsonrpc.Message, errs <-chan error) {
	defer c.wg.Done()
	defer c.log.Debug("Channel read loop stopped")

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				reason := errors.ErrConnectionClosed

				// The transport closes errs before messages, so a read
				// error is already buffered when messages closes.
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						c.log.Debug("Transport error", "error", err)

						reason = fmt.Errorf("%w: %w", errors.ErrConnectionClosed, err)
					}
				default:
				}

				_ = c.shutdown(reason)

				return
			}

			c.handleMessage(msg)

		case <-c.done:
			return
		}
	}
}

// handleMessage routes a message based on its type.
func (c *Channel) handleMessage(msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		c.handleResponse(m)

	case *jsonrpc.Request:
		if m.IsCall() {
			c.rejectCall(m)

			return
		}

		c.enqueue(m)
	}
}

// enqueue hands a notification to the dispatch goroutine, starting it when
// idle.
func (c *Channel) enqueue(req *jsonrpc.Request) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	c.queue = append(c.queue, req)
	if c.dispatching {
		return
	}

	c.dispatching = true
	c.wg.Go(c.dispatch)
}

// dispatch delivers queued notifications until the queue is empty.
func (c *Channel) dispatch() {
	for {
		c.queueMu.Lock()

		if len(c.queue) == 0 {
			c.dispatching = false
			c.queueMu.Unlock()

			return
		}

		req := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()

		if handler == nil {
			c.log.Debug("Dropping notification, no handler", "method", req.Method)

			continue
		}

		handler(req)
	}
}

// handleResponse routes a response to the waiting request.
func (c *Channel) handleResponse(resp *jsonrpc.Response) {
	seq, ok := resp.ID.Raw().(int64)
	if !ok {
		c.log.Warn("Response with foreign id", "id", resp.ID.Raw())

		return
	}

	// Find and claim pending request atomically
	c.pendingMu.Lock()

	responseChan, exists := c.pending[seq]
	if exists {
		delete(c.pending, seq)
	}

	c.pendingMu.Unlock()

	if !exists {
		c.log.Warn("No pending request for response", "id", seq)

		return
	}

	// We own the channel now; it is buffered so this never blocks.
	responseChan <- resp
}

// rejectCall answers a server-to-client request the proxy cannot serve.
func (c *Channel) rejectCall(req *jsonrpc.Request) {
	c.log.Debug("Rejecting server request", "method", req.Method)

	resp := &jsonrpc.Response{
		ID: req.ID,
		Error: &jsonrpc.Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported by client: %s", req.Method),
		},
	}

	c.wg.Go(func() {
		if err := c.transport.SendMessage(c.ctx, resp); err != nil && !stderrors.Is(err, context.Canceled) {
			c.log.Debug("Failed to reject server request", "error", err)
		}
	})
}
