// Package transport frames JSON-RPC messages over a byte stream.
//
// Messages use the language server base protocol: a header block of
// "Name: value" lines terminated by an empty line, of which only
// Content-Length is interpreted, followed by exactly Content-Length bytes of
// JSON. The JSON envelope itself is encoded and decoded with the jsonrpc
// package of the MCP Go SDK.
//
// A Conn works over any io.ReadWriteCloser: a TCP socket to a backend, or the
// process stdio when bridging an editor.
package transport
