package protocol

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/types"
)

type funcHandler struct {
	hook       func(*HookRequest) *HookResponse
	permission func(*PermissionCheck) *PermissionResponse
}

func (h funcHandler) HandleHook(_ context.Context, req *HookRequest) *HookResponse {
	if h.hook == nil {
		return nil
	}
	return h.hook(req)
}

func (h funcHandler) HandlePermission(_ context.Context, req *PermissionCheck) *PermissionResponse {
	if h.permission == nil {
		return nil
	}
	return h.permission(req)
}

func assistant(text string) types.Message {
	return types.Message{Role: types.RoleAssistant, Content: []types.ContentBlock{types.NewTextBlock(text)}}
}

func TestConn_PermissionCallbackExactBytes(t *testing.T) {
	_, agent := newFakeAgent(t, WithHandler(funcHandler{
		permission: func(req *PermissionCheck) *PermissionResponse {
			if strings.Contains(req.Tool, "delete") {
				return &PermissionResponse{Allow: false, Reason: "blocked"}
			}
			return &PermissionResponse{Allow: true}
		},
	}))

	agent.sendRaw(`{"type":"permission_check","request_id":7,"tool":"fs.delete","input":{"path":"/x"}}`)
	assert.Equal(t, `{"type":"permission_response","request_id":7,"allow":false,"reason":"blocked"}`, string(agent.next()))

	agent.sendRaw(`{"type":"permission_check","request_id":8,"tool":"fs.read","input":{"path":"/x"}}`)
	assert.Equal(t, `{"type":"permission_response","request_id":8,"allow":true}`, string(agent.next()))
}

func TestConn_CallbackDefaultsWithoutHandler(t *testing.T) {
	_, agent := newFakeAgent(t)

	agent.sendRaw(`{"type":"permission_check","request_id":1,"tool":"Bash"}`)
	resp := agent.nextMessage().(*PermissionResponse)
	assert.False(t, resp.Allow)
	assert.Equal(t, uint64(1), resp.RequestID)

	agent.sendRaw(`{"type":"hook","request_id":2,"event_name":"PreToolUse"}`)
	hook := agent.nextMessage().(*HookResponse)
	assert.True(t, hook.Continue)
	assert.Equal(t, uint64(2), hook.RequestID)
}

func TestConn_HandlerPanicStillReplies(t *testing.T) {
	_, agent := newFakeAgent(t, WithHandler(funcHandler{
		hook: func(*HookRequest) *HookResponse { panic("boom") },
	}))

	agent.sendRaw(`{"type":"hook","request_id":3,"event_name":"Stop"}`)
	hook := agent.nextMessage().(*HookResponse)
	assert.True(t, hook.Continue)
}

func TestConn_QueryStreamsThenCompletes(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "2+2=", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Pending())

	sent := agent.nextMessage().(*QueryRequest)
	assert.Equal(t, q.ID(), sent.RequestID)
	assert.Equal(t, "2+2=", sent.Content)

	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("thinking")})
	agent.send(&StreamMessage{Message: assistant("4")}) // untagged goes to the latest query
	agent.send(&QueryResponse{RequestID: q.ID(), Status: StatusCompleted})

	var streamed []string
	for m := range q.Messages() {
		streamed = append(streamed, m.Text())
	}
	assert.Equal(t, []string{"thinking", "4"}, streamed)

	res, err := q.Wait(t.Context())
	require.NoError(t, err)
	final, ok := res.Final()
	require.True(t, ok)
	assert.Equal(t, "4", final.Text())
	assert.Equal(t, 0, conn.Pending())
}

func TestConn_InterruptResolvesQuery(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "loop forever"})
	require.NoError(t, err)
	agent.nextMessage()

	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("1")})
	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("2")})

	type result struct {
		resp *ControlResponse
		err  error
	}
	ctl := make(chan result, 1)
	go func() {
		resp, err := conn.Control(context.Background(), CommandInterrupt, nil)
		ctl <- result{resp, err}
	}()

	req := agent.nextMessage().(*ControlRequest)
	assert.Equal(t, CommandInterrupt, req.Command)
	assert.Equal(t, q.ID()+1, req.RequestID)

	agent.send(&ControlResponse{RequestID: req.RequestID, Success: true})
	agent.send(&QueryResponse{RequestID: q.ID(), Status: StatusInterrupted})
	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("late")})

	r := <-ctl
	require.NoError(t, r.err)
	assert.True(t, r.resp.Success)

	res, err := q.Wait(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInterrupted))
	require.NotNil(t, res)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "2", res.Messages[1].Text())

	// the late stream message is dropped; a follow-up round trip proves it was processed
	go func() { _, _ = conn.Control(context.Background(), CommandGetState, nil) }()
	state := agent.nextMessage().(*ControlRequest)
	agent.send(&ControlResponse{RequestID: state.RequestID, Success: true})
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, q.Collected(), 2)
}

func TestConn_InterruptAckResolvesQueryWithoutResponse(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "loop forever"})
	require.NoError(t, err)
	agent.nextMessage()
	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("1")})

	ctl := make(chan error, 1)
	go func() {
		_, err := conn.Control(context.Background(), CommandInterrupt, nil)
		ctl <- err
	}()
	req := agent.nextMessage().(*ControlRequest)
	agent.send(&ControlResponse{RequestID: req.RequestID, Success: true})
	require.NoError(t, <-ctl)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	res, err := q.Wait(ctx)
	require.True(t, sdkerrors.IsKind(err, sdkerrors.KindInterrupted), "got %v", err)
	require.NotNil(t, res)
	assert.Equal(t, StatusInterrupted, res.Response.Status)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, 1, conn.Pending(), "slot stays to absorb the agent's own response")

	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("late")})
	agent.send(&QueryResponse{RequestID: q.ID(), Status: StatusInterrupted})
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, q.Collected(), 1)
}

func TestConn_RejectedInterruptLeavesQueryRunning(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "x"})
	require.NoError(t, err)
	agent.nextMessage()

	ctl := make(chan error, 1)
	go func() {
		_, err := conn.Control(context.Background(), CommandInterrupt, nil)
		ctl <- err
	}()
	req := agent.nextMessage().(*ControlRequest)
	agent.send(&ControlResponse{RequestID: req.RequestID, Success: false, Message: "nothing to interrupt"})
	assert.True(t, sdkerrors.IsKind(<-ctl, sdkerrors.KindInvalidRequest))

	select {
	case <-q.Done():
		t.Fatal("query resolved by a rejected interrupt")
	default:
	}
	agent.send(&QueryResponse{RequestID: q.ID(), Status: StatusCompleted})
	_, err = q.Wait(t.Context())
	assert.NoError(t, err)
}

func TestConn_CancelledSendAbandonsSlot(t *testing.T) {
	conn, _ := newFakeAgent(t, WithRequestTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := conn.Control(ctx, CommandGetState, nil)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindCancelled))
	assert.Equal(t, 1, conn.Pending(), "a frame that may be queued keeps its slot")
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConn_ControlPayloadAndRejection(t *testing.T) {
	conn, agent := newFakeAgent(t)

	errs := make(chan error, 1)
	go func() {
		_, err := conn.Control(context.Background(), CommandSetModel, map[string]string{"model": "nope"})
		errs <- err
	}()

	req := agent.nextMessage().(*ControlRequest)
	assert.JSONEq(t, `{"model":"nope"}`, string(req.Payload))
	agent.send(&ControlResponse{RequestID: req.RequestID, Success: false, Message: "unknown model"})

	err := <-errs
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
	assert.Contains(t, err.Error(), "unknown model")
}

func TestConn_ControlTimeout(t *testing.T) {
	conn, agent := newFakeAgent(t, WithRequestTimeout(50*time.Millisecond))

	_, err := conn.Control(t.Context(), CommandGetState, nil)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTimeout))
	assert.Equal(t, 0, conn.Pending())

	// a late response is discarded without disturbing the connection
	req := agent.nextMessage().(*ControlRequest)
	agent.send(&ControlResponse{RequestID: req.RequestID, Success: true})
	select {
	case <-conn.Done():
		t.Fatal("connection failed after a late response")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_CancelledRequestDrainsLateResponse(t *testing.T) {
	conn, agent := newFakeAgent(t)

	ctx, cancel := context.WithCancel(t.Context())
	errs := make(chan error, 1)
	go func() {
		_, err := conn.Control(ctx, CommandGetState, nil)
		errs <- err
	}()
	req := agent.nextMessage().(*ControlRequest)
	cancel()

	err := <-errs
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindCancelled))
	assert.Equal(t, 1, conn.Pending(), "abandoned slot waits for its response")

	agent.send(&ControlResponse{RequestID: req.RequestID, Success: true})
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConn_WaitDeadlineIsTimeout(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "slow"})
	require.NoError(t, err)
	agent.nextMessage()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Wait(ctx)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTimeout))

	agent.send(&QueryResponse{RequestID: q.ID(), Status: StatusCompleted})
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConn_ErrorMessageFailsRequest(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "x"})
	require.NoError(t, err)
	agent.nextMessage()

	agent.send(&ErrorMessage{RequestID: q.ID(), Code: "invalid_model", Message: "no such model"})
	_, err = q.Wait(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindProtocol))
	assert.Contains(t, err.Error(), "no such model")
}

func TestConn_MalformedResponseFailsOnlyItsRequest(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "x"})
	require.NoError(t, err)
	agent.nextMessage()

	agent.sendRaw(`{"type":"query_response","request_id":1,"message":5}`)
	_, err = q.Wait(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindSerialization))
	assert.NoError(t, conn.Err())
}

func TestConn_ConsecutiveFramingErrorsFailConnection(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "x"})
	require.NoError(t, err)
	agent.nextMessage()

	agent.sendRaw(`garbage`)
	agent.sendRaw(`{"type":"mystery"}`)
	agent.send(&StreamMessage{RequestID: q.ID(), Message: assistant("ok")}) // resets the count
	agent.sendRaw(`garbage`)
	agent.sendRaw(`garbage`)

	select {
	case <-conn.Done():
		t.Fatal("connection failed before three consecutive errors")
	case <-time.After(50 * time.Millisecond):
	}

	agent.sendRaw(`{"type":"telepathy"}`)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not fail")
	}
	assert.True(t, sdkerrors.IsKind(conn.Err(), sdkerrors.KindTransportClosed))

	_, err = q.Wait(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTransportClosed))

	_, err = conn.Query(t.Context(), &QueryRequest{Content: "again"})
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTransportClosed))
}

func TestConn_PeerExitFailsPending(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "x"})
	require.NoError(t, err)
	agent.nextMessage()

	require.NoError(t, agent.peer.Close())
	_, err = q.Wait(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTransportClosed))
	<-conn.Done()
}

func TestConn_SubscribersReceiveCopies(t *testing.T) {
	conn, agent := newFakeAgent(t)

	first, cancelFirst := conn.Subscribe()
	second, cancelSecond := conn.Subscribe()
	defer cancelSecond()

	agent.send(&StreamMessage{RequestID: 42, Message: assistant("hello")})

	a := (<-first).(*StreamMessage)
	b := (<-second).(*StreamMessage)
	assert.Equal(t, "hello", a.Message.Text())
	assert.NotSame(t, a, b)
	a.Message.Content[0].Text = "changed"
	assert.Equal(t, "hello", b.Message.Text())

	cancelFirst()
	_, ok := <-first
	assert.False(t, ok)
}

func TestConn_RequestIDsAreUnique(t *testing.T) {
	conn, agent := newFakeAgent(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = conn.Control(context.Background(), CommandGetState, nil)
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		req := agent.nextMessage().(*ControlRequest)
		assert.False(t, seen[req.RequestID], "duplicate request id %d", req.RequestID)
		seen[req.RequestID] = true
		agent.send(&ControlResponse{RequestID: req.RequestID, Success: true})
	}
	wg.Wait()
	assert.Equal(t, 0, conn.Pending())
}

func TestConn_CloseSendsShutdown(t *testing.T) {
	conn, agent := newFakeAgent(t)

	q, err := conn.Query(t.Context(), &QueryRequest{Content: "x"})
	require.NoError(t, err)
	agent.nextMessage()

	done := make(chan error, 1)
	go func() { done <- conn.Close(context.Background()) }()

	req := agent.nextMessage().(*ControlRequest)
	assert.Equal(t, CommandShutdown, req.Command)
	require.NoError(t, <-done)

	_, err = q.Wait(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTransportClosed))
}
