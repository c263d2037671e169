package messages

import (
	"fmt"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/types"
)

func invalid(format string, args ...any) error {
	return sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate checks a request before it is sent: a model is named, messages
// are non-empty and satisfy the role/content invariant, max_tokens is
// positive, temperature lies in [0,1], tools and tool_choice are consistent,
// and every tool_result refers to a tool_use that appears earlier.
func Validate(req *types.MessageRequest) error {
	if req == nil {
		return invalid("request is nil")
	}
	if req.Model == "" {
		return invalid("model is required")
	}
	if len(req.Messages) == 0 {
		return invalid("messages must not be empty")
	}
	if req.MaxTokens <= 0 {
		return invalid("max_tokens must be greater than 0, got %d", req.MaxTokens)
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 1) {
		return invalid("temperature must be in [0, 1], got %g", *t)
	}
	if p := req.TopP; p != nil && (*p < 0 || *p > 1) {
		return invalid("top_p must be in [0, 1], got %g", *p)
	}
	if k := req.TopK; k != nil && *k < 0 {
		return invalid("top_k must not be negative, got %d", *k)
	}
	for i, b := range req.System {
		if b.Type != types.BlockText {
			return invalid("system block %d: only text blocks are allowed", i)
		}
	}

	seen := make(map[string]bool)
	for i, t := range req.Tools {
		if err := t.Validate(); err != nil {
			return sdkerrors.Wrap(sdkerrors.KindInvalidRequest, err, fmt.Sprintf("tools[%d]", i))
		}
		if seen[t.Name] {
			return invalid("duplicate tool name %q", t.Name)
		}
		seen[t.Name] = true
	}
	if err := req.ToolChoice.Validate(req.Tools); err != nil {
		return sdkerrors.Wrap(sdkerrors.KindInvalidRequest, err, "tool_choice")
	}

	return validateHistory(req.Messages)
}

// validateHistory checks each turn and the tool_use/tool_result pairing.
func validateHistory(msgs []types.MessageParam) error {
	toolUses := make(map[string]bool)
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return sdkerrors.Wrap(sdkerrors.KindInvalidRequest, err, fmt.Sprintf("messages[%d]", i))
		}
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockToolUse:
				if toolUses[b.ID] {
					return invalid("messages[%d]: duplicate tool_use id %q", i, b.ID)
				}
				toolUses[b.ID] = true
			case types.BlockToolResult:
				if !toolUses[b.ToolUseID] {
					return invalid("messages[%d]: tool_result refers to unknown tool_use id %q", i, b.ToolUseID)
				}
			}
		}
	}
	return nil
}
