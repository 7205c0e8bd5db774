// Package proxy implements the language server proxy.
//
// A Proxy forwards requests and notifications to a backend language server
// over one lazily established socket connection. It runs the initialize,
// shutdown and exit handshakes, relays the backend's window/logMessage
// notifications into the host logger, and refuses all traffic once exited.
//
// The connection itself is owned by the connection package; the proxy only
// asks it for a channel when it has something to send.
package proxy
