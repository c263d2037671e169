package protocol

import (
	"context"
	"fmt"
	"sync"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/types"
)

// QueryResult is the outcome of a query: the terminal response and the
// stream messages received before it.
type QueryResult struct {
	Response *QueryResponse
	Messages []types.Message
}

// Final returns the query's assistant message: the one carried by the
// response, else the last streamed message.
func (r *QueryResult) Final() (types.Message, bool) {
	if r.Response != nil && r.Response.Message != nil {
		return r.Response.Message.Clone(), true
	}
	if n := len(r.Messages); n > 0 {
		return r.Messages[n-1].Clone(), true
	}
	return types.Message{}, false
}

// PendingQuery is an in-flight query.
type PendingQuery struct {
	conn *Conn
	call *call

	mu     sync.Mutex
	msgs   []types.Message
	notify chan struct{}

	outOnce sync.Once
	out     chan types.Message
}

func newPendingQuery(c *Conn, cl *call) *PendingQuery {
	q := &PendingQuery{conn: c, call: cl, notify: make(chan struct{}, 1)}
	cl.query = q
	return q
}

// ID returns the query's request id.
func (q *PendingQuery) ID() uint64 {
	return q.call.id
}

// Done is closed when the query has a result.
func (q *PendingQuery) Done() <-chan struct{} {
	return q.call.done
}

// push is called by the reader only, so every push happens before the
// slot is completed.
func (q *PendingQuery) push(m types.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Messages streams the query's messages in arrival order. The channel is
// closed after the last message once the query has finished; callers must
// drain it.
func (q *PendingQuery) Messages() <-chan types.Message {
	q.outOnce.Do(func() {
		q.out = make(chan types.Message)
		go q.pump()
	})
	return q.out
}

func (q *PendingQuery) pump() {
	defer close(q.out)
	next := 0
	flush := func() {
		q.mu.Lock()
		batch := q.msgs[next:]
		q.mu.Unlock()
		for _, m := range batch {
			q.out <- m.Clone()
			next++
		}
	}
	for {
		flush()
		select {
		case <-q.notify:
		case <-q.call.done:
			flush()
			return
		}
	}
}

// Collected returns a copy of the messages received so far.
func (q *PendingQuery) Collected() []types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.CloneMessages(q.msgs)
}

// Wait blocks until the query finishes. An interrupted query returns its
// result together with an Interrupted error. If ctx ends first the slot
// is abandoned and its late response drained.
func (q *PendingQuery) Wait(ctx context.Context) (*QueryResult, error) {
	select {
	case <-q.call.done:
	case <-ctx.Done():
		q.conn.abandon(q.call.id)
		return nil, waitError(ctx, fmt.Sprintf("query %d", q.call.id))
	}
	return q.result()
}

func (q *PendingQuery) result() (*QueryResult, error) {
	if q.call.err != nil {
		return nil, q.call.err
	}
	resp := q.call.resp.(*QueryResponse)
	res := &QueryResult{Response: resp, Messages: q.Collected()}
	switch resp.Status {
	case StatusInterrupted:
		return res, sdkerrors.New(sdkerrors.KindInterrupted, fmt.Sprintf("query %d interrupted", resp.RequestID))
	case StatusError:
		msg := resp.Error
		if msg == "" {
			msg = "agent reported a failure"
		}
		return res, sdkerrors.New(sdkerrors.KindUnknown, fmt.Sprintf("query %d failed: %s", resp.RequestID, msg))
	default:
		return res, nil
	}
}
