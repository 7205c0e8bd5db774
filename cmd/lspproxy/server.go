package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wagiedev/lspproxy/internal/launcher"
)

// backendServer owns the language server started with --server.
//
// The process is started once the port is known and started again when the
// proxy needs the backend after the previous process exited.
type backendServer struct {
	ctx context.Context
	log *slog.Logger
	cfg launcher.Config

	mu     sync.Mutex
	proc   *launcher.Process
	closed bool
}

func newBackendServer(ctx context.Context, log *slog.Logger, command []string) *backendServer {
	return &backendServer{
		ctx: ctx,
		log: log,
		cfg: launcher.Config{Command: command},
	}
}

// ensure starts the server on port unless one is still running.
func (s *backendServer) ensure(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if s.proc != nil {
		select {
		case <-s.proc.Done():
			if err := s.proc.Err(); err != nil {
				s.log.Warn("Restarting server", "error", err)
			}
		default:
			return nil
		}
	}

	cfg := s.cfg
	cfg.Port = port

	proc, err := launcher.Start(s.ctx, s.log, &cfg)
	if err != nil {
		return err
	}

	s.proc = proc

	return nil
}

// Close kills the server and prevents further starts.
func (s *backendServer) Close() error {
	s.mu.Lock()
	s.closed = true
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	return proc.Close()
}
