package launcher

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wagiedev/lspproxy/internal/errors"
)

// PortPlaceholder is replaced with the proxy port in every argument.
const PortPlaceholder = "{port}"

const (
	// maxScanTokenSize is the longest output line forwarded to the logger.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the stderr kept for ProcessError. Lines past
	// the cap are still logged.
	maxStderrBufferSize = 64 * 1024
	// waitDelay bounds how long output is copied after the process exits.
	waitDelay = 2 * time.Second
)

// Config describes the server process.
type Config struct {
	// Command is the program and its arguments. Required.
	Command []string

	// Port replaces PortPlaceholder in Command.
	Port int

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// Process is a running server.
type Process struct {
	log  *slog.Logger
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	closing bool
	err     error
	stderr  strings.Builder
}

// Expand substitutes port for PortPlaceholder in each argument.
func Expand(command []string, port int) []string {
	out := make([]string, len(command))
	p := strconv.Itoa(port)

	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, PortPlaceholder, p)
	}

	return out
}

// Start discovers the server binary and starts it.
//
// The process is killed when ctx is cancelled or Close is called. Either
// counts as an intentional stop and leaves Err nil.
func Start(ctx context.Context, log *slog.Logger, cfg *Config) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, stderrors.New("server command is empty")
	}

	log = log.With("component", "launcher")
	args := Expand(cfg.Command, cfg.Port)

	path, err := Discover(log, args[0])
	if err != nil {
		return nil, fmt.Errorf("discover server: %w", err)
	}

	//nolint:gosec // G204: the server command is operator configuration
	cmd := exec.CommandContext(ctx, path, args[1:]...)
	cmd.Dir = cfg.Dir

	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	// Output is copied through pipes so WaitDelay can cut off children that
	// inherited them.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()

		log.Error("Failed to start server", "path", path, "error", err)

		return nil, fmt.Errorf("start server: %w", err)
	}

	p := &Process{
		log:  log.With("pid", cmd.Process.Pid),
		cmd:  cmd,
		done: make(chan struct{}),
	}

	p.log.Info("Server started", "path", path, "args", args[1:])

	go p.wait(ctx, stdoutR, stderrR, func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
	})

	return p, nil
}

// wait reaps the process and drains its output.
func (p *Process) wait(ctx context.Context, stdout, stderr io.Reader, closeOutput func()) {
	defer close(p.done)

	var wg sync.WaitGroup

	wg.Go(func() { p.forward(stdout, "stdout", false) })
	wg.Go(func() { p.forward(stderr, "stderr", true) })

	err := p.cmd.Wait()

	closeOutput()
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing || ctx.Err() != nil {
		p.log.Debug("Server stopped")

		return
	}

	if err == nil {
		p.log.Info("Server exited")

		return
	}

	exitCode := -1
	if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
		exitCode = exitErr.ExitCode()
	}

	p.err = &errors.ProcessError{
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(p.stderr.String()),
		Err:      err,
	}

	p.log.Error("Server exited unexpectedly", "exit_code", exitCode, "error", err)
}

func (p *Process) forward(r io.Reader, stream string, keep bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Text()
		p.log.Debug(line, "stream", stream)

		if !keep {
			continue
		}

		p.mu.Lock()
		if p.stderr.Len() < maxStderrBufferSize {
			p.stderr.WriteString(line)
			p.stderr.WriteString("\n")
		}
		p.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		p.log.Debug("Server output scanner error", "stream", stream, "error", err)
	}
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns a ProcessError if the server exited with a failure status
// without being stopped. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

// Close kills the process and waits for it to be reaped. It is safe to call
// more than once and after the process has exited.
func (p *Process) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	p.log.Debug("Killing server")

	if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill server (pid %d): %w", p.Pid(), err)
	}

	<-p.done

	return nil
}
