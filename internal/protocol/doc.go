// Package protocol implements the JSON-RPC message channel to the backend.
//
// The protocol package provides a Channel that multiplexes requests and
// notifications over one framed transport and correlates responses.
//
// The Channel handles:
//   - Sending requests with unique integer IDs and waiting for the matching response
//   - Sending fire-and-forget notifications
//   - Dispatching inbound notifications to a single registered handler, in order
//   - Rejecting inbound server-to-client requests with MethodNotFound
//   - Failing every pending request when the transport closes
//
// Example usage:
//
//	ch := protocol.NewChannel(log, transport.New(log, conn))
//	ch.OnNotification(func(req *jsonrpc.Request) { ... })
//	ch.Listen()
//
//	resp, err := ch.SendRequest(ctx, "textDocument/hover", params)
package protocol
