package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wagiedev/lspproxy/internal/errors"
)

// Conn carries framed JSON-RPC messages over a byte stream.
type Conn struct {
	log    *slog.Logger
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex // Serializes frame writes
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps rwc in a framed connection.
func New(log *slog.Logger, rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		log:    log.With("component", "transport"),
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// RemoteAddr returns the peer address when the stream is a network
// connection, or an empty string otherwise.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}

	return ""
}

// ReadMessages reads framed messages from the stream.
//
// This method starts a goroutine that decodes each frame into a jsonrpc
// message and sends it on the messages channel. It must be called at most
// once per Conn.
//
// The goroutine exits when:
//   - The peer closes the stream (no error is reported)
//   - The context is cancelled (the stream is closed)
//   - Framing breaks or the read fails (the error is reported)
//
// Frames whose body is not a valid JSON-RPC message are logged and skipped.
// Both channels are closed when the goroutine exits.
func (c *Conn) ReadMessages(ctx context.Context) (<-chan jsonrpc.Message, <-chan error) {
	messages := make(chan jsonrpc.Message)
	errs := make(chan error, 1)
	stopped := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			c.log.Debug("Context cancelled, closing stream")

			_ = c.Close()
		case <-stopped:
		}
	}()

	go func() {
		defer close(messages)
		defer close(errs)
		defer close(stopped)
		defer c.log.Debug("ReadMessages goroutine stopped")

		messageCount := 0

		for {
			data, err := ReadFrame(c.reader)
			if err != nil {
				if c.isTerminal(err) {
					c.log.Debug("Stream closed", "messages_read", messageCount)

					return
				}

				c.log.Debug("Failed to read frame", "error", err)

				errs <- err

				return
			}

			msg, err := jsonrpc.DecodeMessage(data)
			if err != nil {
				c.log.Warn("Skipping undecodable message", "error", err, "message", string(data))

				continue
			}

			messageCount++

			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return messages, errs
}

// isTerminal reports whether a read error only means the stream is gone.
func (c *Conn) isTerminal(err error) bool {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) {
		return true
	}

	// Reads racing a local Close surface platform specific errors.
	return c.closed.Load()
}

// SendMessage encodes msg and writes it as one frame.
//
// This method is safe for concurrent use. Frames are written whole and one
// at a time; messages sent sequentially reach the peer in order.
//
// If ctx ends first SendMessage returns ctx.Err() without waiting for the
// write. A frame not yet started is dropped, one already being written is
// finished, so a peer that stalls one caller does not break the stream for
// the others. Only Close tears the stream down; afterwards every call
// returns ErrConnectionClosed.
func (c *Conn) SendMessage(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var abandoned atomic.Bool

	done := make(chan error, 1)

	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		switch {
		case c.closed.Load():
			done <- errors.ErrConnectionClosed
		case abandoned.Load():
			done <- context.Canceled
		default:
			done <- c.writeFrame(data)
		}
	}()

	select {
	case err := <-done:
		return err

	case <-ctx.Done():
		abandoned.Store(true)
		c.log.Debug("Caller stopped waiting for write", "error", ctx.Err())

		return ctx.Err()
	}
}

// writeFrame writes one frame. Callers hold writeMu.
func (c *Conn) writeFrame(data []byte) error {
	if err := WriteFrame(c.rwc, data); err != nil {
		if c.closed.Load() {
			return errors.ErrConnectionClosed
		}

		c.log.Debug("Failed to write message", "error", err)

		return err
	}

	return nil
}

// Close closes the underlying stream. It is safe to call Close multiple times.
func (c *Conn) Close() error {
	c.closed.Store(true)

	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})

	return c.closeErr
}
