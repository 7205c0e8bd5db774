// Command lspproxy bridges an editor speaking the language server protocol
// on stdin and stdout to a language server reachable over TCP.
//
// Usage:
//
//	lspproxy --port 7658
//	lspproxy --port 7658 --server "gopls serve -listen=127.0.0.1:{port}"
//	lspproxy --accept --port 7658 --verbose
//	lspproxy --config ~/.config/lspproxy.toml --metrics-addr 127.0.0.1:9464
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/lspproxy/internal/config"
	"github.com/wagiedev/lspproxy/internal/connection"
	"github.com/wagiedev/lspproxy/internal/proxy"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "0.1.0" //nolint:gochecknoglobals

// metricsShutdownTimeout bounds the graceful stop of the metrics server.
const metricsShutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], stream{Reader: os.Stdin, Writer: os.Stdout}, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "lspproxy: %v\n", err)
		os.Exit(1)
	}
}

// cliConfig collects everything run needs after flags and the config file
// have been merged.
type cliConfig struct {
	options     config.Options
	configPath  string
	verbose     bool
	metricsAddr string
	logLevel    string
	server      []string
}

func parseArgs(args []string, stderr io.Writer) (*cliConfig, bool, error) {
	cfg := &cliConfig{}
	fs := flag.NewFlagSet("lspproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		accept                         bool
		dialRetry, dialTimeout, stopTO time.Duration
		dialRetryMax                   time.Duration
		showVersion                    bool
		server                         string
	)

	// ── backend ──────────────────────────────────────────────────
	fs.StringVar(&cfg.options.Host, "host", config.DefaultHost, "Backend host")
	fs.IntVarP(&cfg.options.Port, "port", "p", 0, "Backend port, or local port with --accept")
	fs.BoolVar(&accept, "accept", false, "Wait for the backend to connect instead of dialing it")
	fs.DurationVar(&dialRetry, "dial-retry", config.DefaultDialRetryInterval, "Pause after the first failed dial")
	fs.DurationVar(&dialRetryMax, "dial-retry-max", config.DefaultDialRetryMax, "Longest pause between failed dials")
	fs.DurationVar(&dialTimeout, "dial-timeout", 0, "Timeout of a single dial (0 = none)")
	fs.DurationVar(&stopTO, "shutdown-timeout", config.DefaultShutdownTimeout, "Timeout of the shutdown request on exit")
	fs.StringVar(&server, "server", "", "Start the backend with this command; {port} is replaced with the port")

	// ── configuration ────────────────────────────────────────────
	fs.StringVarP(&cfg.configPath, "config", "c", "", "TOML configuration file, watched for changes")

	// ── output ───────────────────────────────────────────────────
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "Log backend messages at their nominal level")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Minimum level: debug, log, info, warn, error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	if showVersion {
		fmt.Fprintf(stderr, "lspproxy %s\n", version)

		return nil, true, nil
	}

	if cfg.configPath != "" {
		file, err := config.LoadFile(cfg.configPath)
		if err != nil {
			return nil, false, err
		}

		file.Apply(&cfg.options)

		// Flags given explicitly win over the file.
		if !fs.Changed("verbose") {
			cfg.verbose = file.Verbose
		}

		if !fs.Changed("metrics-addr") && file.MetricsAddr != "" {
			cfg.metricsAddr = file.MetricsAddr
		}

		if !fs.Changed("log-level") && file.LogLevel != "" {
			cfg.logLevel = file.LogLevel
		}

		if !fs.Changed("server") && file.Server != "" {
			server = file.Server
		}

		if fs.Changed("host") {
			cfg.options.Host, _ = fs.GetString("host")
		}

		if fs.Changed("port") {
			cfg.options.Port, _ = fs.GetInt("port")
		}
	}

	if accept {
		cfg.options.Mode = config.ModeAccept
	}

	cfg.server = strings.Fields(server)

	if fs.Changed("dial-retry") || cfg.options.DialRetryInterval == 0 {
		cfg.options.DialRetryInterval = dialRetry
	}

	if fs.Changed("dial-retry-max") || cfg.options.DialRetryMax == 0 {
		cfg.options.DialRetryMax = dialRetryMax
	}

	if fs.Changed("dial-timeout") || cfg.options.DialTimeout == 0 {
		cfg.options.DialTimeout = dialTimeout
	}

	if fs.Changed("shutdown-timeout") || cfg.options.ShutdownTimeout == 0 {
		cfg.options.ShutdownTimeout = stopTO
	}

	if cfg.options.Port < 0 || cfg.options.Port > 65535 {
		return nil, false, fmt.Errorf("port %d out of range", cfg.options.Port)
	}

	if cfg.options.Port == 0 && cfg.options.Mode != config.ModeAccept {
		return nil, false, errors.New("--port is required to dial the backend")
	}

	return cfg, false, nil
}

// parseLevel accepts the slog level names plus "log", the level between
// debug and info used for quiet backend warnings.
func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "log") {
		return proxy.LevelLog, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}

	return level, nil
}

func run(ctx context.Context, args []string, editor io.ReadWriteCloser, stderr io.Writer) error {
	cfg, done, err := parseArgs(args, stderr)
	if err != nil || done {
		return err
	}

	level, err := parseLevel(cfg.logLevel)
	if err != nil {
		return err
	}

	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	settings := &config.Settings{}
	settings.SetVerbose(cfg.verbose)

	opts := cfg.options
	opts.Logger = logger
	opts.Verbose = settings

	var reg *prometheus.Registry
	if cfg.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.MetricsRegisterer = reg
	}

	p := proxy.New(&opts)

	// The server outlives ctx so the exit handshake can reach it.
	backend := newBackendServer(context.WithoutCancel(ctx), logger, cfg.server)

	p.OnListening(func(addr net.Addr) {
		logger.Info("Waiting for backend to connect", "addr", addr.String())

		if tcp, ok := addr.(*net.TCPAddr); ok && len(cfg.server) > 0 {
			if err := backend.ensure(tcp.Port); err != nil {
				logger.Error("Failed to start server", "error", err)
			}
		}
	})
	p.OnDialError(func(err error) {
		logger.Debug("Backend not reachable yet", "error", err)
	})

	if len(cfg.server) > 0 && opts.Mode != config.ModeAccept {
		if err := backend.ensure(opts.Port); err != nil {
			return err
		}

		p.OnDisconnected(func(error) {
			if p.State() == connection.StateClosed {
				return
			}

			if err := backend.ensure(opts.Port); err != nil {
				logger.Error("Failed to restart server", "error", err)
			}
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Stop the watcher and metrics server once the editor is gone.
		defer cancel()
		defer func() {
			if err := backend.Close(); err != nil {
				logger.Warn("Failed to stop server", "error", err)
			}
		}()

		return newBridge(logger, p, editor).run(gctx)
	})

	if cfg.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, logger, cfg.configPath, settings)
		})
	}

	if reg != nil {
		server := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("Serving metrics", "addr", cfg.metricsAddr)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return mux
}
