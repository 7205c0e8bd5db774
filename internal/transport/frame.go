package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wagiedev/lspproxy/internal/errors"
)

const (
	// maxFrameSize bounds the body of a single frame.
	maxFrameSize = 64 * 1024 * 1024 // 64MB

	contentLengthHeader = "content-length"
)

// WriteFrame writes data as one framed message.
func WriteFrame(w io.Writer, data []byte) error {
	// Header and body go out in a single write so concurrent writers sharing
	// a lock never interleave partial frames.
	buf := make([]byte, 0, len(data)+32)
	buf = fmt.Appendf(buf, "Content-Length: %d\r\n\r\n", len(data))
	buf = append(buf, data...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadFrame reads one framed message body.
//
// io.EOF is returned unwrapped when the stream ends cleanly between frames.
// A stream that ends inside a frame yields a FrameError wrapping
// io.ErrUnexpectedEOF.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	first := true

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && first && line == "" {
				return nil, io.EOF
			}

			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}

			return nil, &errors.FrameError{Header: strings.TrimSpace(line), Err: err}
		}

		first = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &errors.FrameError{Header: line, Err: fmt.Errorf("missing colon")}
		}

		if strings.ToLower(strings.TrimSpace(name)) != contentLengthHeader {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, &errors.FrameError{Header: line, Err: fmt.Errorf("bad content length")}
		}

		if n > maxFrameSize {
			return nil, &errors.FrameError{Header: line, Err: fmt.Errorf("frame exceeds %d bytes", maxFrameSize)}
		}

		length = n
	}

	if length < 0 {
		return nil, &errors.FrameError{Err: fmt.Errorf("missing Content-Length header")}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return nil, &errors.FrameError{Err: err}
	}

	return body, nil
}
