package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Epistates/turboclaude-sub003/logger"
	prom "github.com/Epistates/turboclaude-sub003/metrics/prometheus"
	"github.com/Epistates/turboclaude-sub003/pkg/config"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/protocol"
)

// PermissionMode controls how tool permission checks are answered.
type PermissionMode string

// Permission modes.
const (
	// PermissionDefault asks the handler and denies without one or on timeout.
	PermissionDefault PermissionMode = config.PermissionDefault
	// PermissionPlan denies every tool execution.
	PermissionPlan PermissionMode = config.PermissionPlan
	// PermissionAcceptEdits asks the handler and allows without one or on timeout.
	PermissionAcceptEdits PermissionMode = config.PermissionAcceptEdits
	// PermissionBypass allows every tool without asking.
	PermissionBypass PermissionMode = config.PermissionBypass
)

// DefaultPermissionTimeout bounds a permission handler call.
const DefaultPermissionTimeout = 30 * time.Second

// Validate rejects unknown modes.
func (m PermissionMode) Validate() error {
	switch m {
	case PermissionDefault, PermissionPlan, PermissionAcceptEdits, PermissionBypass:
		return nil
	default:
		return sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf("unknown permission mode %q", m))
	}
}

// PermissionHandler decides whether a tool may run. Returning an error
// denies the tool.
type PermissionHandler func(ctx context.Context, req *protocol.PermissionCheck) (*protocol.PermissionResponse, error)

// permissions applies the mode to permission checks.
type permissions struct {
	mu      sync.RWMutex
	mode    PermissionMode
	handler PermissionHandler
	timeout time.Duration
}

func newPermissions(mode PermissionMode, h PermissionHandler, timeout time.Duration) *permissions {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &permissions{mode: mode, handler: h, timeout: timeout}
}

func (p *permissions) Mode() PermissionMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

func (p *permissions) SetMode(mode PermissionMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

func (p *permissions) SetHandler(h PermissionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Check answers one permission check.
func (p *permissions) Check(ctx context.Context, req *protocol.PermissionCheck) *protocol.PermissionResponse {
	p.mu.RLock()
	mode, handler := p.mode, p.handler
	p.mu.RUnlock()

	resp := p.decide(ctx, mode, handler, req)
	prom.RecordPermissionDecision(string(mode), resp.Allow)
	logger.DebugContext(ctx, "permission decision", "tool", req.Tool, "mode", mode, "allow", resp.Allow, "reason", resp.Reason)
	return resp
}

func (p *permissions) decide(ctx context.Context, mode PermissionMode, handler PermissionHandler, req *protocol.PermissionCheck) *protocol.PermissionResponse {
	switch mode {
	case PermissionBypass:
		return &protocol.PermissionResponse{Allow: true}
	case PermissionPlan:
		return &protocol.PermissionResponse{Allow: false, Reason: "plan mode does not execute tools"}
	}

	// fallback is the answer when there is no handler or it times out
	fallback := mode == PermissionAcceptEdits
	if handler == nil {
		if fallback {
			return &protocol.PermissionResponse{Allow: true}
		}
		return &protocol.PermissionResponse{Allow: false, Reason: "no permission handler registered"}
	}

	resp, err := p.call(ctx, handler, req)
	switch {
	case sdkerrors.IsKind(err, sdkerrors.KindTimeout):
		logger.WarnContext(ctx, "permission handler timed out", "tool", req.Tool, "mode", mode, "timeout", p.timeout)
		if fallback {
			return &protocol.PermissionResponse{Allow: true, Reason: "accepted after handler timeout"}
		}
		return &protocol.PermissionResponse{Allow: false, Reason: "permission check timed out"}
	case err != nil:
		return &protocol.PermissionResponse{Allow: false, Reason: err.Error()}
	case resp == nil:
		return &protocol.PermissionResponse{Allow: fallback}
	default:
		return resp
	}
}

// call runs the handler bounded by the permission timeout.
func (p *permissions) call(ctx context.Context, handler PermissionHandler, req *protocol.PermissionCheck) (*protocol.PermissionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		resp *protocol.PermissionResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := handler(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, sdkerrors.Wrap(sdkerrors.KindTimeout, ctx.Err(), "permission handler")
	}
}
