package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Epistates/turboclaude-sub003/pkg/config"
	"github.com/Epistates/turboclaude-sub003/protocol"
	"github.com/Epistates/turboclaude-sub003/transport"
	"github.com/Epistates/turboclaude-sub003/types"
)

// harness hands every transport the session asks for to a fake agent.
type harness struct {
	t      *testing.T
	peers  chan *transport.Peer
	mu     sync.Mutex
	events []LifecycleEvent
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, peers: make(chan *transport.Peer, 4)}
}

func (h *harness) factory(config.SessionConfig) (transport.Transport, error) {
	host, peer := transport.NewPipePair()
	h.peers <- peer
	return host, nil
}

func (h *harness) record(ev LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

// session builds a session wired to the harness without connecting it.
func (h *harness) session(opts ...Option) *Session {
	h.t.Helper()
	opts = append([]Option{
		WithTransportFactory(h.factory),
		WithLifecycleHandler(h.record),
		WithShutdownTimeout(time.Second),
	}, opts...)
	s, err := NewSession(opts...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

// connect builds and connects a session and returns the agent behind it.
func (h *harness) connect(opts ...Option) (*Session, *fakeAgent) {
	h.t.Helper()
	s := h.session(opts...)
	require.NoError(h.t, s.Connect(h.t.Context()))
	return s, h.agent()
}

// agent returns the fake agent for the most recently created transport.
func (h *harness) agent() *fakeAgent {
	h.t.Helper()
	select {
	case peer := <-h.peers:
		return newFakeAgent(h.t, peer)
	case <-time.After(5 * time.Second):
		h.t.Fatal("no transport was created")
		return nil
	}
}

// fakeAgent plays the agent side of a pipe pair.
type fakeAgent struct {
	t        *testing.T
	peer     *transport.Peer
	received chan []byte
}

func newFakeAgent(t *testing.T, peer *transport.Peer) *fakeAgent {
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
	t.Cleanup(func() { _ = peer.Close() })
	return a
}

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

func (a *fakeAgent) nextMessage() protocol.Message {
	a.t.Helper()
	m, err := protocol.Parse(a.next())
	require.NoError(a.t, err)
	return m
}

func (a *fakeAgent) nextQuery() *protocol.QueryRequest {
	a.t.Helper()
	m := a.nextMessage()
	q, ok := m.(*protocol.QueryRequest)
	require.True(a.t, ok, "expected query, got %s", m.MessageType())
	return q
}

func (a *fakeAgent) nextControl(command string) *protocol.ControlRequest {
	a.t.Helper()
	m := a.nextMessage()
	c, ok := m.(*protocol.ControlRequest)
	require.True(a.t, ok, "expected control, got %s", m.MessageType())
	require.Equal(a.t, command, c.Command)
	return c
}

// ackControl answers the next control request, which must be command.
func (a *fakeAgent) ackControl(command string) *protocol.ControlRequest {
	a.t.Helper()
	c := a.nextControl(command)
	a.send(&protocol.ControlResponse{RequestID: c.RequestID, Success: true})
	return c
}

func (a *fakeAgent) send(m protocol.Message) {
	a.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(a.t, err)
	require.NoError(a.t, a.peer.WriteLine(data))
}

// answer completes query id with a single assistant text.
func (a *fakeAgent) answer(id uint64, text string) {
	a.t.Helper()
	msg := assistantText(text)
	a.send(&protocol.QueryResponse{RequestID: id, Status: protocol.StatusCompleted, Message: &msg})
}

func assistantText(text string) types.Message {
	return types.Message{
		Role:       types.RoleAssistant,
		Content:    []types.ContentBlock{types.NewTextBlock(text)},
		StopReason: types.StopEndTurn,
	}
}

// async runs fn on a goroutine and returns its error channel.
func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func rawJSON(s string) json.RawMessage {
	return json.RawMessage(s)
}
