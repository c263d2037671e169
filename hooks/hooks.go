// Package hooks runs host callbacks for agent hook events. Hooks are
// registered per event name and run in registration order; the first hook
// that does not continue ends the chain.
package hooks

import (
	"context"
	"encoding/json"
	"path"

	"github.com/Epistates/turboclaude-sub003/protocol"
)

// Hook event names sent by the agent.
const (
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventStop             = "Stop"
	EventSubagentStop     = "SubagentStop"
	EventPreCompact       = "PreCompact"
	EventNotification     = "Notification"
	EventSessionStart     = "SessionStart"
	EventSessionEnd       = "SessionEnd"
)

// Permission decisions a PreToolUse hook may return, weakest first.
const (
	DecisionAllow = "allow"
	DecisionAsk   = "ask"
	DecisionDeny  = "deny"
)

var decisionRank = map[string]int{DecisionAllow: 1, DecisionAsk: 2, DecisionDeny: 3}

// Hook handles one hook event. A nil response continues.
type Hook interface {
	Name() string
	Handle(ctx context.Context, req *protocol.HookRequest) *protocol.HookResponse
}

// HookFunc is the function form of Hook.Handle.
type HookFunc func(ctx context.Context, req *protocol.HookRequest) *protocol.HookResponse

type funcHook struct {
	name string
	fn   HookFunc
}

func (f funcHook) Name() string { return f.name }

func (f funcHook) Handle(ctx context.Context, req *protocol.HookRequest) *protocol.HookResponse {
	return f.fn(ctx, req)
}

// Func returns a Hook named name that calls fn.
func Func(name string, fn HookFunc) Hook {
	return funcHook{name: name, fn: fn}
}

// Matcher restricts a hook to some requests. The zero Matcher matches all.
type Matcher struct {
	// ToolName is a path.Match glob tested against data.tool_name.
	ToolName string

	// RequiredInputFields must all be present in data.tool_input.
	RequiredInputFields []string
}

// Validate checks the glob syntax.
func (m Matcher) Validate() error {
	if m.ToolName == "" {
		return nil
	}
	_, err := path.Match(m.ToolName, "")
	return err
}

// Matches reports whether req passes the matcher.
func (m Matcher) Matches(req *protocol.HookRequest) bool {
	if m.ToolName != "" {
		ok, err := path.Match(m.ToolName, req.ToolName())
		if err != nil || !ok {
			return false
		}
	}
	if len(m.RequiredInputFields) == 0 {
		return true
	}

	var data struct {
		ToolInput map[string]json.RawMessage `json:"tool_input"`
	}
	if json.Unmarshal(req.Data, &data) != nil {
		return false
	}
	for _, f := range m.RequiredInputFields {
		if _, ok := data.ToolInput[f]; !ok {
			return false
		}
	}
	return true
}

// Continue lets the agent proceed.
func Continue() *protocol.HookResponse {
	return &protocol.HookResponse{Continue: true}
}

// Stop halts the agent with reason.
func Stop(reason string) *protocol.HookResponse {
	return &protocol.HookResponse{Continue: false, StopReason: reason}
}

// Deny continues the hook chain but refuses the pending tool call.
func Deny(reason string) *protocol.HookResponse {
	return &protocol.HookResponse{Continue: true, PermissionDecision: DecisionDeny, Reason: reason}
}

// Modify continues with a replaced tool input.
func Modify(input json.RawMessage) *protocol.HookResponse {
	return &protocol.HookResponse{Continue: true, ModifiedInputs: &protocol.ModifiedInputs{Input: input}}
}
