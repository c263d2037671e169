package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Epistates/turboclaude-sub003/transport"
)

// fakeAgent plays the child side of a pipe pair.
type fakeAgent struct {
	t        *testing.T
	peer     *transport.Peer
	received chan []byte
}

func newFakeAgent(t *testing.T, opts ...Option) (*Conn, *fakeAgent) {
	t.Helper()
	host, peer := transport.NewPipePair()
	conn := NewConn(host, opts...)
	require.NoError(t, conn.Start(t.Context()))

	a := &fakeAgent{t: t, peer: peer, received: make(chan []byte, 64)}
	go func() {
		defer close(a.received)
		for {
			line, err := peer.ReadLine()
			if err != nil {
				return
			}
			a.received <- line
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
		_ = peer.Close()
	})
	return conn, a
}

// next returns the next frame the host wrote.
func (a *fakeAgent) next() []byte {
	a.t.Helper()
	select {
	case line, ok := <-a.received:
		require.True(a.t, ok, "host closed the pipe")
		return line
	case <-time.After(5 * time.Second):
		a.t.Fatal("timed out waiting for host frame")
		return nil
	}
}

// nextMessage parses the next frame the host wrote.
func (a *fakeAgent) nextMessage() Message {
	a.t.Helper()
	m, err := Parse(a.next())
	require.NoError(a.t, err)
	return m
}

func (a *fakeAgent) send(m Message) {
	a.t.Helper()
	data, err := Encode(m)
	require.NoError(a.t, err)
	require.NoError(a.t, a.peer.WriteLine(data))
}

func (a *fakeAgent) sendRaw(line string) {
	a.t.Helper()
	require.NoError(a.t, a.peer.WriteLine([]byte(line)))
}

func rawJSON(s string) json.RawMessage {
	return json.RawMessage(s)
}
