// Package transport moves newline-delimited JSON frames between the host
// and an agent process. Subprocess spawns the agent CLI; Pipe runs the same
// framing over any reader and writer.
package transport

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

const (
	// MaxLineSize is the longest frame accepted in either direction.
	MaxLineSize = 16 << 20

	// DefaultShutdownTimeout bounds the wait for a clean child exit.
	DefaultShutdownTimeout = 10 * time.Second

	inboundBuffer  = 64
	outboundBuffer = 64
	readBufferSize = 64 * 1024
)

// ErrLineTooLong is reported for frames longer than the line limit.
var ErrLineTooLong = stderrors.New("line exceeds maximum frame size")

// Frame is one inbound line. Err is set, and Data empty, when the line could
// not be framed (for example it exceeded the size limit). The transport
// keeps reading after a framing error.
type Frame struct {
	Data []byte
	Err  error
}

// Transport is a bidirectional line-framed JSON channel to an agent.
type Transport interface {
	// Start begins reading and writing.
	Start(ctx context.Context) error

	// Send writes one frame. data must be a single JSON object without a
	// trailing newline. It blocks until the frame is flushed, ctx is done,
	// or the transport closes.
	Send(ctx context.Context, data []byte) error

	// Receive returns the inbound frames. The channel is closed when the
	// peer's output ends.
	Receive() <-chan Frame

	// Done is closed once the transport has fully stopped.
	Done() <-chan struct{}

	// Err reports why the transport stopped; nil for a clean exit.
	Err() error

	// Shutdown stops the transport, waiting at most the configured timeout
	// for the peer to exit before terminating it.
	Shutdown(ctx context.Context) error

	// Stderr returns the captured diagnostic output of the peer, if any.
	Stderr() string
}

// lineReader splits a stream into lines of at most max bytes. Overlong lines
// are discarded up to the next newline and reported as ErrLineTooLong.
type lineReader struct {
	br  *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = MaxLineSize
	}
	return &lineReader{br: bufio.NewReaderSize(r, readBufferSize), max: max}
}

// next returns the next non-empty line without its terminator.
func (l *lineReader) next() ([]byte, error) {
	for {
		var (
			line    []byte
			tooLong bool
		)
		for {
			chunk, err := l.br.ReadSlice('\n')
			if !tooLong {
				if len(line)+len(chunk) > l.max+1 {
					tooLong, line = true, nil
				} else {
					line = append(line, chunk...)
				}
			}
			if err == nil {
				break
			}
			if stderrors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if stderrors.Is(err, io.EOF) && len(line) > 0 && !tooLong {
				return trimLine(line), nil
			}
			return nil, err
		}
		if tooLong {
			return nil, ErrLineTooLong
		}
		if line = trimLine(line); len(line) > 0 {
			return line, nil
		}
	}
}

func trimLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n")
	return bytes.TrimSpace(b)
}

// validateOutbound checks a frame before it is written.
func validateOutbound(data []byte, max int) error {
	if max <= 0 {
		max = MaxLineSize
	}
	if len(data) == 0 {
		return sdkerrors.New(sdkerrors.KindProtocol, "empty frame")
	}
	if len(data) > max {
		return sdkerrors.New(sdkerrors.KindProtocol, fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(data), max))
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return sdkerrors.New(sdkerrors.KindProtocol, "frame contains a newline")
	}
	return nil
}

// ErrClosed is returned by Send after the transport has stopped.
var ErrClosed = sdkerrors.New(sdkerrors.KindTransportClosed, "transport closed")
