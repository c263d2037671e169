package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"sync"

	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

type writeRequest struct {
	data []byte
	done chan error
}

// lineConn runs the reader and writer loops shared by every transport.
type lineConn struct {
	name    string
	maxLine int

	inbound  chan Frame
	outbound chan writeRequest
	stop     chan struct{}
	stopOnce sync.Once

	readerDone chan struct{}
	writerDone chan struct{}
}

func newLineConn(name string, maxLine int) *lineConn {
	if maxLine <= 0 {
		maxLine = MaxLineSize
	}
	return &lineConn{
		name:       name,
		maxLine:    maxLine,
		inbound:    make(chan Frame, inboundBuffer),
		outbound:   make(chan writeRequest, outboundBuffer),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *lineConn) start(r io.Reader, w io.Writer) {
	go c.readLoop(r)
	go c.writeLoop(w)
}

// readLoop pushes every line from r to inbound until r ends.
func (c *lineConn) readLoop(r io.Reader) {
	defer close(c.readerDone)
	defer close(c.inbound)

	lr := newLineReader(r, c.maxLine)
	for {
		line, err := lr.next()
		var f Frame
		switch {
		case err == nil:
			f = Frame{Data: line}
		case stderrors.Is(err, ErrLineTooLong):
			logger.Warn("transport dropped oversized frame", "transport", c.name, "limit", c.maxLine)
			f = Frame{Err: sdkerrors.Wrap(sdkerrors.KindProtocol, err, "read frame")}
		case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrClosedPipe):
			return
		default:
			select {
			case <-c.stop:
			default:
				logger.Warn("transport read failed", "transport", c.name, "error", err)
			}
			return
		}

		select {
		case c.inbound <- f:
		case <-c.stop:
			return
		}
	}
}

// writeLoop writes queued frames to w, one line each, flushing after every
// frame.
func (c *lineConn) writeLoop(w io.Writer) {
	defer close(c.writerDone)

	bw := bufio.NewWriter(w)
	for {
		select {
		case req := <-c.outbound:
			_, err := bw.Write(req.data)
			if err == nil {
				err = bw.WriteByte('\n')
			}
			if err == nil {
				err = bw.Flush()
			}
			if err != nil {
				err = sdkerrors.Wrap(sdkerrors.KindTransportClosed, err, "write frame")
			}
			req.done <- err
		case <-c.stop:
			return
		}
	}
}

func (c *lineConn) send(ctx context.Context, data []byte) error {
	if err := validateOutbound(data, c.maxLine); err != nil {
		return err
	}
	req := writeRequest{data: data, done: make(chan error, 1)}
	select {
	case c.outbound <- req:
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return sdkerrors.Wrap(sdkerrors.KindCancelled, ctx.Err(), "send frame")
	}
	select {
	case err := <-req.done:
		return err
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return sdkerrors.Wrap(sdkerrors.KindCancelled, ctx.Err(), "send frame")
	}
}

func (c *lineConn) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}
