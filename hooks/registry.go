package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/protocol"
)

// Handle identifies a registration for Unregister.
type Handle struct {
	id    string
	event string
}

type entry struct {
	id      string
	hook    Hook
	matcher Matcher
}

// Registry holds hooks by event name. A nil *Registry is safe to use and
// continues every event.
type Registry struct {
	mu     sync.RWMutex
	events map[string][]entry
}

// Option configures a registration.
type Option func(*entry)

// WithMatcher restricts the hook to requests matching m.
func WithMatcher(m Matcher) Option {
	return func(e *entry) { e.matcher = m }
}

// WithToolName restricts the hook to tools whose name matches the glob.
func WithToolName(glob string) Option {
	return func(e *entry) { e.matcher.ToolName = glob }
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{events: make(map[string][]entry)}
}

// Register appends h to the chain for event.
func (r *Registry) Register(event string, h Hook, opts ...Option) (Handle, error) {
	if event == "" || h == nil {
		return Handle{}, sdkerrors.New(sdkerrors.KindInvalidRequest, "hook registration needs an event name and a hook")
	}
	e := entry{id: uuid.NewString(), hook: h}
	for _, opt := range opts {
		opt(&e)
	}
	if err := e.matcher.Validate(); err != nil {
		return Handle{}, sdkerrors.Wrap(sdkerrors.KindInvalidRequest, err, fmt.Sprintf("hook %q: bad tool name pattern %q", h.Name(), e.matcher.ToolName))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]entry)
	}
	// copy on write so Run can iterate without holding the lock
	chain := make([]entry, len(r.events[event]), len(r.events[event])+1)
	copy(chain, r.events[event])
	r.events[event] = append(chain, e)
	return Handle{id: e.id, event: event}, nil
}

// Clone returns an independent registry holding the same registrations.
// Handles from r also unregister from the clone.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for event, chain := range r.events {
		out.events[event] = append([]entry(nil), chain...)
	}
	return out
}

// Unregister removes a registration. It reports whether it was present.
func (r *Registry) Unregister(h Handle) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.events[h.event]
	for i, e := range chain {
		if e.id != h.id {
			continue
		}
		next := make([]entry, 0, len(chain)-1)
		next = append(next, chain[:i]...)
		next = append(next, chain[i+1:]...)
		if len(next) == 0 {
			delete(r.events, h.event)
		} else {
			r.events[h.event] = next
		}
		return true
	}
	return false
}

// Len returns the number of hooks registered for event.
func (r *Registry) Len(event string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events[event])
}

// IsEmpty reports whether no hooks are registered.
func (r *Registry) IsEmpty() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events) == 0
}

// Run executes the matching hooks for req.EventName in order. The first
// response that does not continue is returned as is. Otherwise the
// continuing responses are merged: later modified inputs win, the
// strongest permission decision wins, additional context accumulates.
func (r *Registry) Run(ctx context.Context, req *protocol.HookRequest) *protocol.HookResponse {
	if r == nil {
		return Continue()
	}
	r.mu.RLock()
	chain := r.events[req.EventName]
	r.mu.RUnlock()

	merged := Continue()
	var contexts []json.RawMessage
	for _, e := range chain {
		if !e.matcher.Matches(req) {
			continue
		}
		resp := e.hook.Handle(ctx, req)
		if resp == nil {
			continue
		}
		if !resp.Continue {
			logger.Debug("hook stopped the agent", "hook", e.hook.Name(), "event", req.EventName, "reason", resp.StopReason)
			return resp
		}
		merge(merged, resp)
		if len(resp.AdditionalContext) > 0 {
			contexts = append(contexts, resp.AdditionalContext)
		}
	}

	switch len(contexts) {
	case 0:
	case 1:
		merged.AdditionalContext = contexts[0]
	default:
		if data, err := json.Marshal(contexts); err == nil {
			merged.AdditionalContext = data
		}
	}
	return merged
}

func merge(into, from *protocol.HookResponse) {
	if from.ModifiedInputs != nil {
		into.ModifiedInputs = from.ModifiedInputs
	}
	if decisionRank[from.PermissionDecision] > decisionRank[into.PermissionDecision] {
		into.PermissionDecision = from.PermissionDecision
		into.Reason = from.Reason
	} else if into.Reason == "" {
		into.Reason = from.Reason
	}
	if from.SystemMessage != "" {
		into.SystemMessage = from.SystemMessage
	}
	into.SuppressOutput = into.SuppressOutput || from.SuppressOutput
}
