//go:build integration

package integration

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/lspproxy"
)

// startGopls runs a gopls daemon on a free loopback port and returns the port.
// The test is skipped when gopls is not installed.
func startGopls(t *testing.T) int {
	t.Helper()

	bin, err := exec.LookPath("gopls")
	if err != nil {
		t.Skip("gopls not installed")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, bin, "serve", "-listen", "127.0.0.1:"+strconv.Itoa(port))
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		cancel()
		_ = cmd.Wait()
	})

	return port
}

// workspace creates a minimal Go module and returns its folder.
func workspace(t *testing.T) lspproxy.WorkspaceFolder {
	t.Helper()

	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/demo\n\ngo 1.22\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o600))

	return lspproxy.WorkspaceFolder{URI: "file://" + filepath.ToSlash(dir), Name: "demo"}
}

func newProxy(t *testing.T, port int) lspproxy.Proxy {
	t.Helper()

	p := lspproxy.New(
		lspproxy.WithPort(port),
		lspproxy.WithDialRetryInterval(50*time.Millisecond),
	)
	t.Cleanup(func() { p.Exit(context.Background()) })

	return p
}
