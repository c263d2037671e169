package providers

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

// MaxSSELineSize bounds a single SSE line.
const MaxSSELineSize = 16 << 20

const sseInitialBuffer = 64 << 10

var (
	sseDone      = []byte("[DONE]")
	sseFieldData = []byte("data")
	sseFieldEvnt = []byte("event")
)

// SSEScanner scans Server-Sent Events streams. It joins multi-line data
// fields, skips comment lines, and stops at a "[DONE]" sentinel.
type SSEScanner struct {
	scanner *bufio.Scanner
	event   string
	data    []byte
	err     error
	done    bool
}

// NewSSEScanner creates a new SSE scanner.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), MaxSSELineSize)
	return &SSEScanner{scanner: scanner}
}

// Scan advances to the next dispatched event.
func (s *SSEScanner) Scan() bool {
	if s.done {
		return false
	}

	var (
		event   string
		data    bytes.Buffer
		hasData bool
	)
	dispatch := func() bool {
		if !hasData {
			event = ""
			return false
		}
		if bytes.Equal(data.Bytes(), sseDone) {
			s.done = true
			return false
		}
		s.event = event
		s.data = append(s.data[:0], data.Bytes()...)
		return true
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Empty line: event boundary
		if len(line) == 0 {
			if dispatch() {
				return true
			}
			if s.done {
				return false
			}
			continue
		}

		// Comment / keepalive
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}

		switch {
		case bytes.Equal(field, sseFieldData):
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case bytes.Equal(field, sseFieldEvnt):
			event = string(value)
		}
		// id and retry fields are not used.
	}

	s.err = s.scanner.Err()
	if s.err == nil && dispatch() {
		s.done = true
		return true
	}
	s.done = true
	return false
}

// Event returns the current event name, or "" when the frame had none.
func (s *SSEScanner) Event() string {
	return s.event
}

// Data returns the current event data. The slice is reused by the next Scan.
func (s *SSEScanner) Data() []byte {
	return s.data
}

// Err returns any scanning error.
func (s *SSEScanner) Err() error {
	return s.err
}

// sseStream adapts an SSE response body to FrameStream.
type sseStream struct {
	ctx      context.Context
	provider string
	endpoint string
	body     io.ReadCloser
	scanner  *SSEScanner
	err      error
}

// NewSSEStream returns a FrameStream reading SSE frames from body.
// Read failures are classified against ctx.
func NewSSEStream(ctx context.Context, provider, endpoint string, body io.ReadCloser) FrameStream {
	return &sseStream{
		ctx:      ctx,
		provider: provider,
		endpoint: endpoint,
		body:     body,
		scanner:  NewSSEScanner(body),
	}
}

func (s *sseStream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.scanner.Scan() {
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = ClassifyTransportError(s.ctx, s.provider, s.endpoint, err)
	}
	return false
}

func (s *sseStream) Frame() Frame {
	return Frame{Event: s.scanner.Event(), Data: s.scanner.Data()}
}

func (s *sseStream) Err() error {
	return s.err
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
