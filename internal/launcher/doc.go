// Package launcher starts the backend language server as a child process.
//
// The command line may contain a {port} placeholder, replaced with the port
// the proxy dials or listens on. The server's output is forwarded to the
// logger line by line and the process is killed when the launcher is closed.
package launcher
