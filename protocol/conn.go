package protocol

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Epistates/turboclaude-sub003/logger"
	prom "github.com/Epistates/turboclaude-sub003/metrics/prometheus"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/transport"
)

const (
	// DefaultRequestTimeout bounds the wait for a control response.
	DefaultRequestTimeout = 30 * time.Second

	// MaxFramingErrors is the number of consecutive bad frames after which
	// the connection is failed.
	MaxFramingErrors = 3

	subscriberBuffer = 256
)

// Handler answers callbacks from the agent. Each call runs on its own
// goroutine; the returned reply is written by the Conn. A nil reply falls
// back to continue for hooks and deny for permission checks.
type Handler interface {
	HandleHook(ctx context.Context, req *HookRequest) *HookResponse
	HandlePermission(ctx context.Context, req *PermissionCheck) *PermissionResponse
}

// Option configures a Conn.
type Option func(*Conn)

// WithHandler sets the callback handler.
func WithHandler(h Handler) Option {
	return func(c *Conn) { c.handler = h }
}

// WithRequestTimeout overrides DefaultRequestTimeout for control requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogContext sets the context whose logging fields tag protocol logs.
func WithLogContext(ctx context.Context) Option {
	return func(c *Conn) { c.logCtx = ctx }
}

// Conn runs the control protocol over a transport. It allocates request
// ids, keeps the correlation table and routes inbound frames. A single
// goroutine reads from the transport.
type Conn struct {
	tr      transport.Transport
	handler Handler
	timeout time.Duration
	logCtx  context.Context

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*call
	active  []uint64 // in-flight query ids, oldest first
	closing bool
	err     error

	subMu   sync.Mutex
	subs    map[uint64]chan Message
	nextSub uint64

	framingErrs int

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	readerDone chan struct{}
	failOnce   sync.Once
	closeOnce  sync.Once
	startOnce  sync.Once
}

// call is one correlation slot.
type call struct {
	id        uint64
	kind      Type
	label     string
	created   time.Time
	timer     *time.Timer
	abandoned bool
	query     *PendingQuery

	done chan struct{}
	resp Message
	err  error
}

// NewConn returns an unstarted Conn over tr.
func NewConn(tr transport.Transport, opts ...Option) *Conn {
	c := &Conn{
		tr:         tr,
		timeout:    DefaultRequestTimeout,
		logCtx:     context.Background(),
		pending:    make(map[uint64]*call),
		subs:       make(map[uint64]chan Message),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(c.logCtx))
	return c
}

// Start starts the transport and the reader.
func (c *Conn) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		if err = c.tr.Start(ctx); err != nil {
			c.fail(err)
			close(c.readerDone)
			return
		}
		go c.readLoop()
	})
	return err
}

// Done is closed when the connection fails or is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection stopped, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the size of the correlation table.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Control sends a control command and waits for its response. A response
// with success=false is returned together with an InvalidRequest error.
func (c *Conn) Control(ctx context.Context, command string, payload any) (*ControlResponse, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	cl, err := c.register(TypeControl, command, c.timeout)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, &ControlRequest{RequestID: cl.id, Command: command, Payload: raw}); err != nil {
		c.release(ctx, cl.id)
		return nil, err
	}

	select {
	case <-cl.done:
	case <-ctx.Done():
		c.abandon(cl.id)
		return nil, waitError(ctx, command)
	}
	if cl.err != nil {
		return nil, cl.err
	}
	resp := cl.resp.(*ControlResponse)
	if !resp.Success {
		msg := fmt.Sprintf("control %s rejected", command)
		if resp.Message != "" {
			msg += ": " + resp.Message
		}
		return resp, sdkerrors.New(sdkerrors.KindInvalidRequest, msg)
	}
	return resp, nil
}

// Query sends a query and returns a handle for its stream and result. The
// request id is assigned here.
func (c *Conn) Query(ctx context.Context, req *QueryRequest) (*PendingQuery, error) {
	cl, err := c.register(TypeQuery, string(TypeQuery), 0)
	if err != nil {
		return nil, err
	}
	q := newPendingQuery(c, cl)
	req.RequestID = cl.id
	if err := c.send(ctx, req); err != nil {
		c.release(ctx, cl.id)
		return nil, err
	}
	return q, nil
}

// Subscribe returns a channel receiving a private copy of every inbound
// message, and a function that ends the subscription. Slow subscribers
// miss messages rather than stalling the reader.
func (c *Conn) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	select {
	case <-c.done:
		close(ch)
	default:
		c.subs[id] = ch
	}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Close sends the shutdown command, stops the transport and fails every
// outstanding request with TransportClosed.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		alive := c.err == nil
		c.mu.Unlock()

		if alive {
			id := c.nextID.Add(1)
			if sendErr := c.send(ctx, &ControlRequest{RequestID: id, Command: CommandShutdown}); sendErr != nil {
				logger.Debug("shutdown command not delivered", "error", sendErr)
			}
		}
		err = c.tr.Shutdown(ctx)
		c.startOnce.Do(func() { close(c.readerDone) })
		c.fail(sdkerrors.New(sdkerrors.KindTransportClosed, "connection closed"))
		<-c.readerDone
		c.cancel()
	})
	return err
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "encode control payload")
		}
		return data, nil
	}
}

func waitError(ctx context.Context, what string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sdkerrors.Wrap(sdkerrors.KindTimeout, ctx.Err(), fmt.Sprintf("%s timed out", what))
	}
	return sdkerrors.Wrap(sdkerrors.KindCancelled, ctx.Err(), fmt.Sprintf("%s cancelled", what))
}

// register allocates an id and a slot. A positive timeout completes the
// slot with Timeout when it expires.
func (c *Conn) register(kind Type, label string, timeout time.Duration) (*call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}

	cl := &call{
		id:      c.nextID.Add(1),
		kind:    kind,
		label:   label,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	if timeout > 0 {
		cl.timer = time.AfterFunc(timeout, func() { c.expire(cl) })
	}
	c.pending[cl.id] = cl
	if kind == TypeQuery {
		c.active = append(c.active, cl.id)
	}
	prom.SetPendingRequests(len(c.pending))
	return cl, nil
}

// take removes and returns the slot for id.
func (c *Conn) take(id uint64) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeLocked(id)
}

func (c *Conn) takeLocked(id uint64) *call {
	cl, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if cl.timer != nil {
		cl.timer.Stop()
	}
	if cl.kind == TypeQuery {
		for i, a := range c.active {
			if a == id {
				c.active = append(c.active[:i], c.active[i+1:]...)
				break
			}
		}
	}
	prom.SetPendingRequests(len(c.pending))
	return cl
}

// release undoes a registration whose send failed. A send cut short by
// ctx may already be queued for the writer, so that slot is abandoned
// rather than dropped.
func (c *Conn) release(ctx context.Context, id uint64) {
	if ctx.Err() != nil {
		c.abandon(id)
		return
	}
	c.take(id)
}

// abandon marks a slot whose caller stopped waiting. The slot stays until
// the response arrives, so a late response is drained instead of being
// mistaken for another request's. Slots without a deadline get one.
func (c *Conn) abandon(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.pending[id]
	if !ok {
		return
	}
	cl.abandoned = true
	if cl.timer == nil {
		cl.timer = time.AfterFunc(c.timeout, func() { c.expire(cl) })
	}
}

// expire completes a slot whose deadline passed.
func (c *Conn) expire(cl *call) {
	c.mu.Lock()
	current, ok := c.pending[cl.id]
	if !ok || current != cl {
		c.mu.Unlock()
		return
	}
	c.takeLocked(cl.id)
	abandoned := cl.abandoned
	c.mu.Unlock()

	if !abandoned {
		logger.WarnContext(c.logCtx, "control protocol request timed out", "request_id", cl.id, "type", cl.label)
	}
	c.complete(cl, nil, sdkerrors.New(sdkerrors.KindTimeout, fmt.Sprintf("%s %d timed out", cl.label, cl.id)))
}

// complete fills a slot taken from the table.
func (c *Conn) complete(cl *call, resp Message, err error) {
	cl.resp, cl.err = resp, err
	status := "ok"
	switch {
	case cl.abandoned:
		status = "abandoned"
	case sdkerrors.IsKind(err, sdkerrors.KindTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	prom.RecordControlRequest(cl.label, status, time.Since(cl.created).Seconds())
	close(cl.done)
}

// fail stops the connection and completes every slot with err.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		calls := make([]*call, 0, len(c.pending))
		for id := range c.pending {
			calls = append(calls, c.takeLocked(id))
		}
		c.mu.Unlock()

		for _, cl := range calls {
			c.complete(cl, nil, err)
		}

		c.subMu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subMu.Unlock()

		close(c.done)
	})
}

// send encodes m and hands it to the transport's writer.
func (c *Conn) send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := c.tr.Send(ctx, data); err != nil {
		return err
	}
	prom.RecordControlMessage("outbound", string(m.MessageType()))
	logger.ProtocolMessage(c.logCtx, "send", string(m.MessageType()), m.ID())
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for f := range c.tr.Receive() {
		c.handleFrame(f)
	}

	err := c.tr.Err()
	if err == nil {
		err = sdkerrors.New(sdkerrors.KindTransportClosed, "agent closed the connection")
	}
	c.fail(err)
}

func (c *Conn) handleFrame(f transport.Frame) {
	if f.Err != nil {
		c.framingError(f.Err, nil)
		return
	}
	m, err := ParseInbound(f.Data)
	if err != nil {
		c.framingError(err, f.Data)
		return
	}
	c.framingErrs = 0

	prom.RecordControlMessage("inbound", string(m.MessageType()))
	logger.ProtocolMessage(c.logCtx, "recv", string(m.MessageType()), m.ID())
	c.publish(f.Data)
	c.route(m)
}

// framingError charges a bad frame to its request when the id can be
// recovered, and fails the connection after MaxFramingErrors in a row.
func (c *Conn) framingError(err error, data []byte) {
	c.framingErrs++
	logger.WarnContext(c.logCtx, "control protocol framing error", "error", err, "consecutive", c.framingErrs)

	if id, ok := peekRequestID(data); ok {
		if cl := c.take(id); cl != nil {
			c.complete(cl, nil, err)
		}
	}
	if c.framingErrs >= MaxFramingErrors {
		c.fail(sdkerrors.Wrap(sdkerrors.KindTransportClosed, err,
			fmt.Sprintf("%d consecutive framing errors", c.framingErrs)))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultShutdownTimeout)
			defer cancel()
			_ = c.tr.Shutdown(ctx)
		}()
	}
}

// publish gives every subscriber its own decoded copy of the frame.
func (c *Conn) publish(data []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		m, err := ParseInbound(data)
		if err != nil {
			return
		}
		select {
		case ch <- m:
		default:
			logger.Warn("control protocol subscriber is full, dropping message", "subscriber", id, "type", m.MessageType())
		}
	}
}

func (c *Conn) route(m Message) {
	switch msg := m.(type) {
	case *QueryResponse:
		c.resolve(msg.RequestID, TypeQuery, msg, nil)
	case *ControlResponse:
		c.resolve(msg.RequestID, TypeControl, msg, nil)
	case *StreamMessage:
		c.deliver(msg)
	case *ErrorMessage:
		err := sdkerrors.New(sdkerrors.KindProtocol, fmt.Sprintf("agent error %s: %s", msg.Code, msg.Message))
		if msg.RequestID == 0 {
			logger.WarnContext(c.logCtx, "agent reported an error", "code", msg.Code, "message", msg.Message)
			return
		}
		c.resolve(msg.RequestID, "", nil, err)
	case *HookRequest:
		go c.answerHook(msg)
	case *PermissionCheck:
		go c.answerPermission(msg)
	}
}

// resolve completes the slot for id. An empty kind matches any slot.
func (c *Conn) resolve(id uint64, kind Type, resp Message, err error) {
	c.mu.Lock()
	cl, ok := c.pending[id]
	if ok && kind != "" && cl.kind != kind {
		ok = false
	}
	var interrupted []*call
	if ok {
		c.takeLocked(id)
		if ack, isCtl := resp.(*ControlResponse); isCtl && ack.Success && cl.label == CommandInterrupt {
			interrupted = c.interruptLocked()
		}
	}
	closing := c.closing
	c.mu.Unlock()

	for _, q := range interrupted {
		c.complete(q, &QueryResponse{RequestID: q.id, Status: StatusInterrupted}, nil)
	}

	if !ok {
		if closing {
			logger.Debug("dropping response during shutdown", "request_id", id)
		} else {
			logger.WarnContext(c.logCtx, "dropping unmatched response", "request_id", id, "type", kind)
		}
		return
	}
	if cl.abandoned {
		logger.Debug("drained response for abandoned request", "request_id", id)
	}
	c.complete(cl, resp, err)
}

// interruptLocked resolves every in-flight query after the agent accepted
// an interrupt. Each slot is replaced by a drain-only one so the agent's
// own late response and stream messages are absorbed.
func (c *Conn) interruptLocked() []*call {
	ids := append([]uint64(nil), c.active...)
	out := make([]*call, 0, len(ids))
	for _, id := range ids {
		cl := c.takeLocked(id)
		if cl == nil {
			continue
		}
		drain := &call{
			id:        id,
			kind:      TypeQuery,
			label:     cl.label,
			created:   time.Now(),
			abandoned: true,
			done:      make(chan struct{}),
		}
		drain.timer = time.AfterFunc(c.timeout, func() { c.expire(drain) })
		c.pending[id] = drain
		out = append(out, cl)
	}
	prom.SetPendingRequests(len(c.pending))
	return out
}

// deliver appends a stream message to its query.
func (c *Conn) deliver(msg *StreamMessage) {
	c.mu.Lock()
	id := msg.RequestID
	if id == 0 && len(c.active) > 0 {
		id = c.active[len(c.active)-1]
	}
	cl, ok := c.pending[id]
	ok = ok && cl.kind == TypeQuery
	abandoned := ok && cl.abandoned
	c.mu.Unlock()

	if !ok {
		logger.Debug("dropping stream message for unknown query", "request_id", msg.RequestID)
		return
	}
	if abandoned {
		return
	}
	cl.query.push(msg.Message)
}

func (c *Conn) answerHook(req *HookRequest) {
	var resp *HookResponse
	func() {
		defer recoverHandler("hook", req.RequestID)
		if c.handler != nil {
			resp = c.handler.HandleHook(c.ctx, req)
		}
	}()
	if resp == nil {
		resp = &HookResponse{Continue: true}
	}
	resp.RequestID = req.RequestID
	c.reply(resp)
}

func (c *Conn) answerPermission(req *PermissionCheck) {
	var resp *PermissionResponse
	func() {
		defer recoverHandler("permission", req.RequestID)
		if c.handler != nil {
			resp = c.handler.HandlePermission(c.ctx, req)
		}
	}()
	if resp == nil {
		resp = &PermissionResponse{Allow: false, Reason: "no permission handler"}
	}
	resp.RequestID = req.RequestID
	c.reply(resp)
}

func (c *Conn) reply(m Message) {
	if err := c.send(c.ctx, m); err != nil {
		logger.WarnContext(c.logCtx, "failed to answer agent callback", "type", m.MessageType(), "request_id", m.ID(), "error", err)
	}
}

func recoverHandler(kind string, id uint64) {
	if r := recover(); r != nil {
		logger.Error("callback handler panicked", "callback", kind, "request_id", id, "panic", r)
	}
}
