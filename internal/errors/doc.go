// Package errors defines error types for the language server proxy.
//
// This package provides structured error types that wrap the different
// failure scenarios of talking to a backend over a socket. All error types
// support error unwrapping and can be checked using errors.Is, errors.As,
// and errors.AsType.
package errors
