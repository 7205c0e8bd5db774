// Package lspproxy connects an editor-side language client to a language
// server reachable over a TCP socket.
//
// A Proxy owns one backend connection, opened lazily on the first request
// and reopened on demand after it drops. Concurrent callers never cause more
// than one connection attempt. Once Exit has run the proxy answers every
// request locally with a "Server closed" error.
//
// # Basic Usage
//
//	p := lspproxy.New(
//	    lspproxy.WithPort(7658),
//	    lspproxy.WithLogger(slog.Default()),
//	)
//	defer p.Exit(ctx)
//
//	resp, err := p.Initialize(ctx, capabilities, []lspproxy.WorkspaceFolder{
//	    {URI: "file:///home/me/project", Name: "project"},
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hover := p.HandleRequest(ctx, &lspproxy.Request{
//	    Method: "textDocument/hover",
//	    Params: params,
//	})
//	if hover.IsError() {
//	    log.Printf("hover failed: %s", hover.Error.Message)
//	}
//
// # Connection Modes
//
// By default the proxy dials the backend and keeps retrying until it is
// reachable. WithAccept reverses the direction: the proxy listens on the
// configured port and waits for the backend to connect in.
//
//	p := lspproxy.New(lspproxy.WithAccept(), lspproxy.WithPort(0))
//	p.OnListening(func(addr net.Addr) {
//	    startBackend("--connect", addr.String())
//	})
//
// # Logging
//
// Backend window/logMessage notifications are written to the configured
// logger. Unless verbose logging is on, each message is logged one level
// below its nominal severity; warnings land on LevelLog.
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lspproxy.LevelLog}))
//	p := lspproxy.New(lspproxy.WithLogger(logger), lspproxy.WithVerbose(true))
//
// # Error Handling
//
// HandleRequest never returns a Go error; failures arrive as error
// responses. The lifecycle methods return typed errors:
//
//	_, err := p.Initialize(ctx, caps, folders, nil)
//	if connErr, ok := errors.AsType[*lspproxy.ConnectionError](err); ok {
//	    log.Fatalf("cannot listen on %s: %v", connErr.Addr, connErr.Err)
//	}
//	if errors.Is(err, lspproxy.ErrProxyClosed) {
//	    return
//	}
package lspproxy
