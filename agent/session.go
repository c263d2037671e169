// Package agent runs conversations with an agent process: a Session owns
// one transport, its control protocol connection and the in-memory
// history, and answers the agent's hook and permission callbacks.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Epistates/turboclaude-sub003/hooks"
	"github.com/Epistates/turboclaude-sub003/logger"
	prom "github.com/Epistates/turboclaude-sub003/metrics/prometheus"
	"github.com/Epistates/turboclaude-sub003/pkg/config"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/protocol"
	"github.com/Epistates/turboclaude-sub003/telemetry"
	"github.com/Epistates/turboclaude-sub003/types"
)

// Session is one conversation with one agent process. It is safe for
// concurrent use.
type Session struct {
	id       string
	parentID string
	opts     options
	perms    *permissions
	tracer   trace.Tracer

	mu         sync.Mutex
	state      State
	connecting bool
	closing    bool
	started    bool
	ended      bool
	model      string
	history    []types.Message
	seed       bool // next query carries the history
	conn       *protocol.Conn
	active     int

	closeOnce sync.Once
	closeErr  error
}

// NewSession returns an unconnected session.
//
//	s, err := agent.NewSession(agent.WithModel("claude-sonnet-4-5"))
//	if err != nil { ... }
//	if err := s.Connect(ctx); err != nil { ... }
//	defer s.Close(ctx)
//	resp, err := s.Query(ctx, "summarize README.md")
func NewSession(opts ...Option) (*Session, error) {
	o := options{session: config.DefaultSession()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	o.session = mergeDefaults(o.session)
	mode := PermissionMode(o.session.PermissionMode)
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if o.sessionID == "" {
		o.sessionID = uuid.New().String()
	}
	if o.factory == nil {
		o.factory = subprocessFactory
	}
	if o.hooks == nil {
		o.hooks = hooks.NewRegistry()
	}

	s := &Session{
		id:     o.sessionID,
		opts:   o,
		perms:  newPermissions(mode, o.permission, o.permissionTimeout),
		tracer: telemetry.Tracer(o.tracer),
		state:  StateCreated,
		model:  o.session.Model,
	}
	s.emit(EventCreated, nil)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ParentID returns the id of the session this one was forked from.
func (s *Session) ParentID() string { return s.parentID }

// Hooks returns the session's hook registry. Hooks registered after
// Connect apply to later callbacks.
func (s *Session) Hooks() *hooks.Registry { return s.opts.hooks }

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Model returns the session's current default model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// PermissionMode returns the current permission mode.
func (s *Session) PermissionMode() PermissionMode {
	return s.perms.Mode()
}

// SetPermissionHandler replaces the permission handler.
func (s *Session) SetPermissionHandler(h PermissionHandler) {
	s.perms.SetHandler(h)
}

// ActiveQueries returns the number of queries in flight.
func (s *Session) ActiveQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// History returns a copy of the conversation history.
func (s *Session) History() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneMessages(s.history)
}

// Connect starts the agent and the protocol connection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated || s.connecting || s.closing {
		state := s.state
		s.mu.Unlock()
		return sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf("session %s cannot connect from state %s", s.id, state))
	}
	s.connecting = true
	s.mu.Unlock()

	conn, err := s.dial(ctx)

	s.mu.Lock()
	s.connecting = false
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		logger.Error("session connect failed", "session_id", s.id, "error", err)
		s.emit(EventFailed, err)
		return err
	}
	s.conn = conn
	s.state = StateConnected
	s.started = true
	s.mu.Unlock()

	prom.RecordSessionStart()
	logger.Debug("session connected", "session_id", s.id, "model", s.Model())
	s.emit(EventConnected, nil)
	go s.watch(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*protocol.Conn, error) {
	tr, err := s.opts.factory(s.opts.session)
	if err != nil {
		return nil, err
	}
	conn := protocol.NewConn(tr,
		protocol.WithHandler(callbacks{s}),
		protocol.WithRequestTimeout(s.opts.session.RequestTimeout),
		protocol.WithLogContext(logger.WithSessionID(context.Background(), s.id)),
	)
	if err := conn.Start(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// watch marks the session failed when the connection dies on its own.
func (s *Session) watch(conn *protocol.Conn) {
	<-conn.Done()
	s.mu.Lock()
	if s.state != StateConnected || s.closing {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	end := s.endLocked()
	s.mu.Unlock()

	err := conn.Err()
	logger.Warn("session transport failed", "session_id", s.id, "error", err)
	if end {
		prom.RecordSessionEnd()
	}
	s.emit(EventFailed, err)
}

// endLocked reports whether the session end still has to be recorded.
func (s *Session) endLocked() bool {
	if !s.started || s.ended {
		return false
	}
	s.ended = true
	return true
}

// connLocked returns the live connection or the error explaining why there
// is none.
func (s *Session) connLocked() (*protocol.Conn, error) {
	switch s.state {
	case StateConnected:
		return s.conn, nil
	case StateCreated:
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf("session %s is not connected", s.id))
	default:
		return nil, sdkerrors.New(sdkerrors.KindTransportClosed, fmt.Sprintf("session %s is %s", s.id, s.state))
	}
}

func (s *Session) liveConn() (*protocol.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connLocked()
}

// Response is the result of a query.
type Response struct {
	RequestID uint64
	Status    protocol.QueryStatus
	// Message is the final assistant message.
	Message types.Message
	// Stream holds every stream message received for the query.
	Stream []types.Message
}

// Text returns the final message text.
func (r *Response) Text() string {
	return r.Message.Text()
}

// QueryOption overrides session defaults for one query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	model     string
	system    string
	maxTokens int
	tools     []string
	toolsSet  bool
	onMessage func(types.Message)
}

// WithQueryModel overrides the model.
func WithQueryModel(model string) QueryOption {
	return func(o *queryOptions) { o.model = model }
}

// WithQuerySystem overrides the system prompt.
func WithQuerySystem(prompt string) QueryOption {
	return func(o *queryOptions) { o.system = prompt }
}

// WithQueryMaxTokens overrides the response token limit.
func WithQueryMaxTokens(n int) QueryOption {
	return func(o *queryOptions) { o.maxTokens = n }
}

// WithQueryTools overrides the tool list. An empty list disables tools.
func WithQueryTools(tools ...string) QueryOption {
	return func(o *queryOptions) {
		o.tools = append([]string(nil), tools...)
		o.toolsSet = true
	}
}

// OnMessage receives each stream message as it arrives. fn runs on its own
// goroutine and every call returns before Query does.
func OnMessage(fn func(types.Message)) QueryOption {
	return func(o *queryOptions) { o.onMessage = fn }
}

// Query sends content to the agent and waits for the answer. On success
// the user turn and the final assistant message are appended to the
// history. An interrupted query returns its partial Response with an error
// of kind Interrupted.
func (s *Session) Query(ctx context.Context, content string, opts ...QueryOption) (*Response, error) {
	if strings.TrimSpace(content) == "" {
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, "query content must not be empty")
	}
	var qo queryOptions
	for _, opt := range opts {
		opt(&qo)
	}

	s.mu.Lock()
	conn, err := s.connLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if limit := s.opts.session.MaxConcurrentQueries; s.active >= limit {
		s.mu.Unlock()
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf("session %s already has %d queries in flight", s.id, limit))
	}
	s.active++
	req := s.buildRequestLocked(content, &qo)
	seeded := len(req.Messages) > 0
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "agent.query", trace.WithAttributes(
		telemetry.AttrSessionID.String(s.id),
		telemetry.AttrModel.String(req.Model),
	))
	defer span.End()

	pq, err := conn.Query(ctx, req)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.AttrRequestID.Int64(int64(pq.ID())))

	var pumped chan struct{}
	if qo.onMessage != nil {
		pumped = make(chan struct{})
		go func() {
			defer close(pumped)
			for m := range pq.Messages() {
				qo.onMessage(m)
			}
		}()
	}

	res, err := pq.Wait(ctx)
	if res == nil {
		failSpan(span, err)
		return nil, err
	}
	if pumped != nil {
		<-pumped
	}

	resp := &Response{RequestID: pq.ID(), Status: res.Response.Status, Stream: res.Messages}
	resp.Message, _ = res.Final()
	if err != nil {
		failSpan(span, err)
		return resp, err
	}

	s.mu.Lock()
	if seeded {
		s.seed = false
	}
	s.history = append(s.history, userMessage(content))
	if resp.Message.Role != "" {
		s.history = append(s.history, resp.Message.Clone())
	}
	s.mu.Unlock()
	return resp, nil
}

func (s *Session) buildRequestLocked(content string, qo *queryOptions) *protocol.QueryRequest {
	cfg := s.opts.session
	req := &protocol.QueryRequest{
		Content:   content,
		Model:     s.model,
		System:    cfg.SystemPrompt,
		MaxTokens: cfg.MaxTokens,
		Tools:     append([]string(nil), cfg.Tools...),
	}
	if qo.model != "" {
		req.Model = qo.model
	}
	if qo.system != "" {
		req.System = qo.system
	}
	if qo.maxTokens > 0 {
		req.MaxTokens = qo.maxTokens
	}
	if qo.toolsSet {
		req.Tools = qo.tools
	}
	if s.seed {
		req.Messages = types.CloneMessages(s.history)
	}
	return req
}

func userMessage(content string) types.Message {
	return types.Message{Role: types.RoleUser, Content: []types.ContentBlock{types.NewTextBlock(content)}}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(telemetry.AttrErrorKind.String(sdkerrors.KindOf(err).String()))
	span.SetStatus(codes.Error, err.Error())
}

// ReceiveMessages returns a copy of every inbound protocol message until
// ctx ends or the connection closes.
func (s *Session) ReceiveMessages(ctx context.Context) (<-chan protocol.Message, error) {
	conn, err := s.liveConn()
	if err != nil {
		return nil, err
	}
	ch, cancel := conn.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
		case <-conn.Done():
		}
		cancel()
	}()
	return ch, nil
}

// Interrupt asks the agent to stop the query in progress. The query
// resolves with an Interrupted error.
func (s *Session) Interrupt(ctx context.Context) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	_, err = conn.Control(ctx, protocol.CommandInterrupt, nil)
	return err
}

// SetModel switches the model for later queries.
func (s *Session) SetModel(ctx context.Context, model string) error {
	if model == "" {
		return sdkerrors.New(sdkerrors.KindInvalidRequest, "model must not be empty")
	}
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	if _, err := conn.Control(ctx, protocol.CommandSetModel, map[string]string{"model": model}); err != nil {
		return err
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}

// SetPermissionMode switches the permission mode. The local mode changes
// only after the agent accepts it.
func (s *Session) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	if _, err := conn.Control(ctx, protocol.CommandSetPermissionMode, map[string]string{"mode": string(mode)}); err != nil {
		return err
	}
	s.perms.SetMode(mode)
	return nil
}

// Fork starts a new session whose history is a copy of this one's first
// at messages. The new session runs its own agent process, inherits the
// current model, permission mode and a copy of the hooks, and is connected
// before Fork returns. History and hook registrations are independent.
func (s *Session) Fork(ctx context.Context, at int) (*Session, error) {
	s.mu.Lock()
	if at < 0 || at > len(s.history) {
		n := len(s.history)
		s.mu.Unlock()
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf("fork index %d outside history of %d messages", at, n))
	}
	o := s.opts
	o.session.Model = s.model
	o.session.PermissionMode = string(s.perms.Mode())
	o.sessionID = uuid.New().String()
	o.hooks = s.opts.hooks.Clone()
	history := types.CloneMessages(s.history[:at])
	s.mu.Unlock()

	s.perms.mu.RLock()
	o.permission = s.perms.handler
	s.perms.mu.RUnlock()

	child := &Session{
		id:       o.sessionID,
		parentID: s.id,
		opts:     o,
		perms:    newPermissions(PermissionMode(o.session.PermissionMode), o.permission, o.permissionTimeout),
		tracer:   s.tracer,
		state:    StateCreated,
		model:    o.session.Model,
		history:  history,
		seed:     len(history) > 0,
	}
	child.emit(EventCreated, nil)
	s.notify(LifecycleEvent{Type: EventForked, SessionID: child.id, ParentID: s.id})
	logger.Debug("session forked", "session_id", child.id, "parent_id", s.id, "messages", len(history))

	if err := child.Connect(ctx); err != nil {
		return nil, err
	}
	return child, nil
}

// Close shuts the agent down and fails outstanding requests with
// TransportClosed. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conn := s.conn
		s.mu.Unlock()

		s.emit(EventClosing, nil)
		if conn != nil {
			ctx, cancel := context.WithTimeout(ctx, s.opts.session.ShutdownTimeout)
			s.closeErr = conn.Close(ctx)
			cancel()
		}

		s.mu.Lock()
		s.state = StateClosed
		end := s.endLocked()
		s.mu.Unlock()
		if end {
			prom.RecordSessionEnd()
		}
		if s.closeErr != nil {
			logger.Warn("session shutdown", "session_id", s.id, "error", s.closeErr)
		}
		s.emit(EventClosed, nil)
	})
	return s.closeErr
}

func (s *Session) emit(t EventType, err error) {
	s.notify(LifecycleEvent{Type: t, SessionID: s.id, ParentID: s.parentID, Err: err})
}

func (s *Session) notify(ev LifecycleEvent) {
	if h := s.opts.lifecycle; h != nil {
		h(ev)
	}
}

// callbacks adapts the session to protocol.Handler.
type callbacks struct {
	s *Session
}

func (c callbacks) HandleHook(ctx context.Context, req *protocol.HookRequest) *protocol.HookResponse {
	return c.s.opts.hooks.Run(ctx, req)
}

func (c callbacks) HandlePermission(ctx context.Context, req *protocol.PermissionCheck) *protocol.PermissionResponse {
	return c.s.perms.Check(ctx, req)
}
