package transport

import (
	"context"
	"io"
	"sync"
)

// Pipe is a Transport over an existing reader and writer, such as an
// in-process agent or a network stream.
type Pipe struct {
	conn   *lineConn
	r      io.Reader
	w      io.WriteCloser
	closer io.Closer

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe returns a Pipe reading frames from r and writing frames to w.
// Shutdown closes w and, if r is an io.Closer, r.
func NewPipe(r io.Reader, w io.WriteCloser) *Pipe {
	p := &Pipe{conn: newLineConn("pipe", MaxLineSize), r: r, w: w, done: make(chan struct{})}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// Start begins the reader and writer loops.
func (p *Pipe) Start(_ context.Context) error {
	p.startOnce.Do(func() {
		p.conn.start(p.r, p.w)
		go func() {
			<-p.conn.readerDone
			p.conn.halt()
			<-p.conn.writerDone
			p.closeOnce.Do(func() { close(p.done) })
		}()
	})
	return nil
}

// Send writes one frame.
func (p *Pipe) Send(ctx context.Context, data []byte) error {
	return p.conn.send(ctx, data)
}

// Receive returns inbound frames.
func (p *Pipe) Receive() <-chan Frame {
	return p.conn.inbound
}

// Done is closed when the pipe stops.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Err returns nil; a pipe has no exit status.
func (p *Pipe) Err() error {
	return nil
}

// Stderr returns an empty string.
func (p *Pipe) Stderr() string {
	return ""
}

// Shutdown closes both directions and waits for the loops to stop.
func (p *Pipe) Shutdown(ctx context.Context) error {
	p.conn.halt()
	err := p.w.Close()
	if p.closer != nil {
		_ = p.closer.Close()
	}
	p.startOnce.Do(func() { p.closeOnce.Do(func() { close(p.done) }) })
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Peer is the agent side of an in-memory pipe pair.
type Peer struct {
	lines *lineReader
	r     *io.PipeReader
	w     *io.PipeWriter
	mu    sync.Mutex
}

// NewPipePair returns a host Transport connected to an in-memory Peer.
func NewPipePair() (*Pipe, *Peer) {
	hostR, peerW := io.Pipe()
	peerR, hostW := io.Pipe()
	return NewPipe(hostR, hostW), &Peer{lines: newLineReader(peerR, MaxLineSize), r: peerR, w: peerW}
}

// ReadLine blocks for the next frame written by the host.
func (p *Peer) ReadLine() ([]byte, error) {
	return p.lines.next()
}

// WriteLine sends one raw line to the host. A newline is appended.
func (p *Peer) WriteLine(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(append(append([]byte(nil), data...), '\n'))
	return err
}

// Close ends the peer's output, which the host observes as end of stream.
func (p *Peer) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}
