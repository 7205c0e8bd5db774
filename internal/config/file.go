package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("500ms", "2s")
// in configuration files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}

	*d = Duration(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FileConfig is the on-disk TOML configuration.
//
// Example:
//
//	host = "127.0.0.1"
//	port = 7658
//	mode = "accept"
//	verbose = false
//	dial_retry_interval = "500ms"
//	dial_retry_max = "5s"
//	shutdown_timeout = "5s"
//	metrics_addr = "127.0.0.1:9464"
//	log_level = "info"
//	server = "gopls serve -listen=127.0.0.1:{port}"
type FileConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	Mode              string   `toml:"mode"`
	Verbose           bool     `toml:"verbose"`
	DialRetryInterval Duration `toml:"dial_retry_interval"`
	DialRetryMax      Duration `toml:"dial_retry_max"`
	DialTimeout       Duration `toml:"dial_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	MetricsAddr       string   `toml:"metrics_addr"`
	LogLevel          string   `toml:"log_level"`
	Server            string   `toml:"server"`
}

// LoadFile reads and validates a TOML configuration file.
func LoadFile(path string) (*FileConfig, error) {
	var cfg FileConfig

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config %s: port %d out of range", path, cfg.Port)
	}

	if _, err := NormalizeMode(cfg.Mode); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}

// Apply copies the values set in the file onto o. Zero values leave the
// corresponding option untouched.
func (f *FileConfig) Apply(o *Options) {
	if f.Host != "" {
		o.Host = f.Host
	}

	if f.Port != 0 {
		o.Port = f.Port
	}

	if mode, err := NormalizeMode(f.Mode); err == nil && f.Mode != "" {
		o.Mode = mode
	}

	if f.DialRetryInterval > 0 {
		o.DialRetryInterval = time.Duration(f.DialRetryInterval)
	}

	if f.DialRetryMax > 0 {
		o.DialRetryMax = time.Duration(f.DialRetryMax)
	}

	if f.DialTimeout > 0 {
		o.DialTimeout = time.Duration(f.DialTimeout)
	}

	if f.ShutdownTimeout > 0 {
		o.ShutdownTimeout = time.Duration(f.ShutdownTimeout)
	}
}
