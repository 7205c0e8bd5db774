// Package config provides configuration types for the language server proxy.
package config

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultHost is the backend host dialed when none is configured.
	DefaultHost = "127.0.0.1"

	// DefaultDialRetryInterval is the pause after the first failed dial.
	DefaultDialRetryInterval = 500 * time.Millisecond

	// DefaultDialRetryMax caps the pause between failed dials.
	DefaultDialRetryMax = 5 * time.Second

	// DefaultShutdownTimeout bounds the shutdown request sent during exit.
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configures the behavior of the proxy.
type Options struct {
	// Logger is the slog logger for proxy diagnostics and forwarded backend logs.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// Host is the backend host used in dial mode.
	Host string

	// Port is the backend port (dial mode) or the local listening port (accept mode).
	Port int

	// Mode selects between dialing the backend and accepting its connection.
	Mode Mode

	// DialRetryInterval is the pause after the first failed dial. Later
	// pauses double up to DialRetryMax.
	DialRetryInterval time.Duration

	// DialRetryMax caps the pause between failed dials. A value below
	// DialRetryInterval makes the pause constant.
	DialRetryMax time.Duration

	// DialTimeout bounds a single dial. Zero leaves it to the operating system.
	DialTimeout time.Duration

	// ShutdownTimeout bounds the shutdown request sent by Exit.
	ShutdownTimeout time.Duration

	// Verbose is consulted on every backend log message to decide whether
	// messages are downgraded by one level. If nil, messages are downgraded.
	Verbose VerboseSource

	// MetricsRegisterer receives the proxy's Prometheus collectors.
	// If nil, metrics are collected but not registered anywhere.
	MetricsRegisterer prometheus.Registerer
}

// WithDefaults returns a copy of o with zero values replaced by defaults.
func (o *Options) WithDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}

	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if out.Host == "" {
		out.Host = DefaultHost
	}

	if out.Mode == "" {
		out.Mode = ModeDial
	}

	if out.DialRetryInterval <= 0 {
		out.DialRetryInterval = DefaultDialRetryInterval
	}

	if out.DialRetryMax <= 0 {
		out.DialRetryMax = DefaultDialRetryMax
	}

	if out.DialRetryMax < out.DialRetryInterval {
		out.DialRetryMax = out.DialRetryInterval
	}

	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = DefaultShutdownTimeout
	}

	if out.Verbose == nil {
		out.Verbose = StaticVerbose(false)
	}

	return &out
}

// Address returns the dial target as host:port.
func (o *Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}
