package config

import "sync/atomic"

// VerboseSource reports whether verbose logging is currently enabled.
// It is read at the time each backend log message arrives, never cached.
type VerboseSource interface {
	Verbose() bool
}

// StaticVerbose is a VerboseSource with a fixed value.
type StaticVerbose bool

// Verbose implements VerboseSource.
func (v StaticVerbose) Verbose() bool { return bool(v) }

// Settings holds configuration values that may change while the proxy runs.
// The zero value is ready to use.
type Settings struct {
	verbose atomic.Bool
}

// Compile-time verification that Settings implements VerboseSource.
var _ VerboseSource = (*Settings)(nil)

// Verbose implements VerboseSource.
func (s *Settings) Verbose() bool {
	return s.verbose.Load()
}

// SetVerbose updates the verbose flag.
func (s *Settings) SetVerbose(v bool) {
	s.verbose.Store(v)
}
