package connection

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/wagiedev/lspproxy/internal/errors"
)

// Strategy produces one raw connection to the backend.
//
// Establish blocks until a connection exists, ctx is cancelled, or the
// strategy gives up. A strategy that returns after ctx is cancelled must not
// leak the connection it may have produced.
type Strategy interface {
	Name() string
	Establish(ctx context.Context, addr string) (net.Conn, error)
}

// Compile-time verification that both strategies implement Strategy.
var (
	_ Strategy = (*Dialer)(nil)
	_ Strategy = (*Acceptor)(nil)
)

// Dialer actively connects to a backend that is expected to be listening.
// Failed dials are retried until one succeeds or ctx is cancelled. The pause
// starts at RetryInterval and doubles up to MaxInterval.
type Dialer struct {
	Log           *slog.Logger
	RetryInterval time.Duration
	MaxInterval   time.Duration
	Timeout       time.Duration

	// OnError is called after every failed dial, before the retry pause.
	OnError func(err error)
}

// Name implements Strategy.
func (d *Dialer) Name() string { return "dial" }

// Establish implements Strategy.
func (d *Dialer) Establish(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	b := d.backoff()

	for {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		attempt := int(b.Attempt()) + 1
		wait := b.Duration()

		d.Log.Debug("Dial failed, retrying", "addr", addr, "attempt", attempt, "retry_in", wait, "error", err)

		if d.OnError != nil {
			d.OnError(&errors.ConnectionError{Addr: addr, Err: err})
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

// backoff returns the pacing of one attempt. Every attempt starts over at
// RetryInterval.
func (d *Dialer) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    d.RetryInterval,
		Max:    max(d.MaxInterval, d.RetryInterval),
		Factor: 2,
	}
}

// Acceptor waits for the backend to connect in. It listens on the configured
// address, accepts exactly one connection and closes the listener.
type Acceptor struct {
	Log *slog.Logger

	// OnListen is called once the listener is bound.
	OnListen func(addr net.Addr)
}

// Name implements Strategy.
func (a *Acceptor) Name() string { return "accept" }

// Establish implements Strategy.
func (a *Acceptor) Establish(ctx context.Context, addr string) (net.Conn, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &errors.ConnectionError{Addr: addr, Err: err}
	}

	a.Log.Debug("Waiting for backend", "addr", ln.Addr().String())

	if a.OnListen != nil {
		a.OnListen(ln.Addr())
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	conn, err := ln.Accept()

	_ = ln.Close()

	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		return nil, &errors.ConnectionError{Addr: addr, Err: err}
	}

	// Cancelled between Accept returning and the listener closing.
	if ctx.Err() != nil {
		_ = conn.Close()

		return nil, context.Cause(ctx)
	}

	a.Log.Debug("Backend connected", "remote", conn.RemoteAddr().String())

	return conn, nil
}
