package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wagiedev/lspproxy/internal/errors"
	"github.com/wagiedev/lspproxy/internal/protocol"
	"github.com/wagiedev/lspproxy/internal/proxy"
	"github.com/wagiedev/lspproxy/internal/transport"
)

// stream joins a reader and a writer into the io.ReadWriteCloser a
// transport expects.
type stream struct {
	io.Reader
	io.Writer
	close func() error
}

func (s stream) Close() error {
	if s.close == nil {
		return nil
	}

	return s.close()
}

// editorInitializeParams is the part of the editor's initialize request the
// proxy passes on. The remaining fields are rebuilt by the proxy.
type editorInitializeParams struct {
	Capabilities          any                        `json:"capabilities"`
	WorkspaceFolders      []protocol.WorkspaceFolder `json:"workspaceFolders"`
	RootURI               string                     `json:"rootUri"`
	InitializationOptions any                        `json:"initializationOptions"`
}

type cancelParams struct {
	ID any `json:"id"`
}

// bridge relays an editor speaking LSP on one stream to the proxy.
//
// Messages are forwarded in the order they are read. Responses are awaited
// concurrently, so a slow request does not hold up the ones behind it.
type bridge struct {
	log    *slog.Logger
	proxy  *proxy.Proxy
	editor *transport.Conn

	// In-flight editor requests by id, for $/cancelRequest.
	mu       sync.Mutex
	inflight map[any]context.CancelFunc

	wg sync.WaitGroup
}

func newBridge(log *slog.Logger, p *proxy.Proxy, editor io.ReadWriteCloser) *bridge {
	return &bridge{
		log:      log.With("component", "bridge"),
		proxy:    p,
		editor:   transport.New(log, editor),
		inflight: make(map[any]context.CancelFunc),
	}
}

// run relays messages until the editor sends exit, closes its stream, or
// ctx ends. The proxy has exited when run returns.
func (b *bridge) run(ctx context.Context) error {
	// Exit first so responses still pending fail instead of blocking Wait.
	defer b.wg.Wait()
	defer b.proxy.Exit(context.WithoutCancel(ctx))

	messages, errs := b.editor.ReadMessages(ctx)

	for msg := range messages {
		switch m := msg.(type) {
		case *jsonrpc.Request:
			if m.IsCall() {
				b.handleCall(ctx, m)

				continue
			}

			if m.Method == protocol.MethodExit {
				b.log.Info("Editor requested exit")
				b.proxy.Exit(ctx)

				return nil
			}

			b.handleNotification(ctx, m)

		case *jsonrpc.Response:
			b.log.Debug("Ignoring response from editor", "id", m.ID.Raw())
		}
	}

	if err := <-errs; err != nil {
		return err
	}

	b.log.Info("Editor closed the connection")

	return nil
}

func (b *bridge) handleCall(ctx context.Context, req *jsonrpc.Request) {
	switch req.Method {
	case protocol.MethodInitialize:
		b.reply(ctx, req.ID, b.initialize(ctx, req))

		return

	case protocol.MethodShutdown:
		resp, err := b.proxy.Shutdown(ctx)
		if err != nil {
			resp = errorResponse(err)
		}

		b.reply(ctx, req.ID, resp)

		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	b.track(req.ID, cancel)

	wait := b.proxy.Forward(callCtx, &protocol.Request{
		ID:     req.ID,
		Method: req.Method,
		Params: req.Params,
	})

	b.wg.Go(func() {
		defer b.untrack(req.ID)
		defer cancel()

		b.reply(ctx, req.ID, wait(callCtx))
	})
}

func (b *bridge) initialize(ctx context.Context, req *jsonrpc.Request) *protocol.Response {
	var params editorInitializeParams

	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.ErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
		}
	}

	folders := params.WorkspaceFolders
	if len(folders) == 0 && params.RootURI != "" {
		folders = []protocol.WorkspaceFolder{{URI: params.RootURI}}
	}

	resp, err := b.proxy.Initialize(ctx, params.Capabilities, folders, params.InitializationOptions)
	if err != nil {
		return errorResponse(err)
	}

	return resp
}

func (b *bridge) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch req.Method {
	case protocol.MethodInitialized:
		// Already sent by the proxy as part of initialize.
		return

	case protocol.MethodCancelRequest:
		var params cancelParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.log.Debug("Malformed cancel request", "error", err)

			return
		}

		b.cancel(params.ID)

		return
	}

	resp := b.proxy.HandleRequest(ctx, &protocol.Request{
		Method:         req.Method,
		Params:         req.Params,
		IsNotification: true,
	})
	if resp.IsError() {
		b.log.Warn("Notification not delivered", "method", req.Method, "error", resp.Error.Message)
	}
}

func (b *bridge) reply(ctx context.Context, id jsonrpc.ID, resp *protocol.Response) {
	if err := b.editor.SendMessage(ctx, resp.ToWire(id)); err != nil {
		b.log.Warn("Failed to write response to editor", "id", id.Raw(), "error", err)
	}
}

func (b *bridge) track(id jsonrpc.ID, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inflight[normalizeID(id.Raw())] = cancel
}

func (b *bridge) untrack(id jsonrpc.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, normalizeID(id.Raw()))
}

func (b *bridge) cancel(id any) {
	b.mu.Lock()
	cancel, ok := b.inflight[normalizeID(id)]
	b.mu.Unlock()

	if ok {
		b.log.Debug("Editor cancelled request", "id", id)
		cancel()
	}
}

// normalizeID maps the numeric forms an id takes after decoding onto one key.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}

	return id
}

// errorResponse converts a lifecycle error into a response for the editor.
func errorResponse(err error) *protocol.Response {
	if stderrors.Is(err, errors.ErrProxyClosed) {
		return protocol.ErrorResponse(jsonrpc.ID{}, protocol.CodeRequestCancelled, "Server closed")
	}

	if wireErr, ok := stderrors.AsType[*jsonrpc.Error](err); ok {
		return &protocol.Response{Error: wireErr}
	}

	return protocol.ErrorResponse(jsonrpc.ID{}, protocol.CodeInternalError, err.Error())
}
