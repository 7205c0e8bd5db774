package lspproxy

import (
	"context"
	"fmt"
)

// WithProxy manages proxy lifecycle with automatic cleanup.
//
// This helper creates a proxy, runs the initialize handshake, executes the
// callback and always calls Exit when done. The callback's error is returned
// unchanged.
//
// Example usage:
//
//	err := lspproxy.WithProxy(ctx, caps, folders, func(p lspproxy.Proxy) error {
//	    resp := p.HandleRequest(ctx, &lspproxy.Request{Method: "workspace/symbol", Params: q})
//	    if resp.IsError() {
//	        return fmt.Errorf("symbol search: %s", resp.Error.Message)
//	    }
//	    return nil
//	},
//	    lspproxy.WithPort(7658),
//	)
func WithProxy(
	ctx context.Context,
	capabilities any,
	folders []WorkspaceFolder,
	fn func(Proxy) error,
	opts ...Option,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p := New(opts...)

	// Exit on a fresh context: ctx may be the reason fn returned.
	defer p.Exit(context.WithoutCancel(ctx))

	resp, err := p.Initialize(ctx, capabilities, folders, nil)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	return fn(p)
}
