package lspproxy

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wagiedev/lspproxy/internal/config"
)

// Option configures Options using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options to an Options struct.
func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// ===== Basic Configuration =====

// WithLogger sets the logger for proxy diagnostics and backend log messages.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithHost sets the backend host dialed in dial mode, and the interface
// listened on in accept mode. Defaults to 127.0.0.1.
func WithHost(host string) Option {
	return func(o *Options) {
		o.Host = host
	}
}

// WithPort sets the backend port (dial mode) or the local listening port
// (accept mode).
func WithPort(port int) Option {
	return func(o *Options) {
		o.Port = port
	}
}

// WithMode selects the connection strategy.
func WithMode(mode Mode) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

// WithAccept makes the proxy listen for the backend instead of dialing it.
func WithAccept() Option {
	return WithMode(ModeAccept)
}

// ===== Logging =====

// WithVerbose fixes whether backend log messages keep their nominal level.
func WithVerbose(verbose bool) Option {
	return func(o *Options) {
		o.Verbose = config.StaticVerbose(verbose)
	}
}

// WithVerboseSource makes the proxy consult source on every backend log
// message, so verbosity can change while the proxy runs.
//
//	settings := &lspproxy.Settings{}
//	p := lspproxy.New(lspproxy.WithVerboseSource(settings))
//	settings.SetVerbose(true)
func WithVerboseSource(source VerboseSource) Option {
	return func(o *Options) {
		o.Verbose = source
	}
}

// ===== Timing =====

// WithDialRetryInterval sets the pause after the first failed dial.
func WithDialRetryInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.DialRetryInterval = interval
	}
}

// WithDialRetryMax caps the pause between failed dials. Pauses start at the
// retry interval and double on every failure.
func WithDialRetryMax(limit time.Duration) Option {
	return func(o *Options) {
		o.DialRetryMax = limit
	}
}

// WithDialTimeout bounds each individual dial.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.DialTimeout = timeout
	}
}

// WithShutdownTimeout bounds the shutdown request sent by Exit.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.ShutdownTimeout = timeout
	}
}

// ===== Metrics =====

// WithMetrics registers the proxy's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.MetricsRegisterer = reg
	}
}
