package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// StopReason is the terminal cause of an assistant message.
type StopReason string

// Stop reasons.
const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopInterrupted  StopReason = "interrupted"
)

// allowedBlocks lists the block types each role may contain.
var allowedBlocks = map[Role]map[BlockType]bool{
	RoleUser:      {BlockText: true, BlockImage: true, BlockToolResult: true},
	RoleAssistant: {BlockText: true, BlockToolUse: true, BlockThinking: true},
	RoleSystem:    {BlockText: true},
}

// validateBlocks checks the role/content invariant and each block.
func validateBlocks(role Role, blocks []ContentBlock) error {
	allowed, ok := allowedBlocks[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	for i, b := range blocks {
		if !allowed[b.Type] {
			return fmt.Errorf("%s message: content block %d of type %q is not allowed", role, i, b.Type)
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%s message: content block %d: %w", role, i, err)
		}
	}
	return nil
}

// MessageParam is a conversation turn as sent in a request.
type MessageParam struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserMessage returns a user turn with the given blocks.
func NewUserMessage(blocks ...ContentBlock) MessageParam {
	return MessageParam{Role: RoleUser, Content: blocks}
}

// NewAssistantMessage returns an assistant turn with the given blocks.
func NewAssistantMessage(blocks ...ContentBlock) MessageParam {
	return MessageParam{Role: RoleAssistant, Content: blocks}
}

// UnmarshalJSON accepts content as a string or an array of blocks.
func (m *MessageParam) UnmarshalJSON(data []byte) error {
	var w struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := decodeContent(w.Content, false)
	if err != nil {
		return err
	}
	m.Role, m.Content = w.Role, content
	return nil
}

// MarshalJSON always emits content as an array.
func (m MessageParam) MarshalJSON() ([]byte, error) {
	content := m.Content
	if content == nil {
		content = []ContentBlock{}
	}
	return json.Marshal(struct {
		Role    Role           `json:"role"`
		Content []ContentBlock `json:"content"`
	}{m.Role, content})
}

// Validate checks the role/content invariant.
func (m MessageParam) Validate() error {
	if m.Role == RoleSystem {
		return fmt.Errorf("system role is not allowed in messages; use the system field")
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message: content must not be empty", m.Role)
	}
	return validateBlocks(m.Role, m.Content)
}

// Message is a complete message. Responses carry ID, Model, StopReason and Usage.
type Message struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type,omitempty"`
	Role         Role           `json:"role"`
	Model        string         `json:"model,omitempty"`
	Content      []ContentBlock `json:"content"`
	StopReason   StopReason     `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}

type messageAlias Message

// UnmarshalJSON decodes leniently and accepts string content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w struct {
		messageAlias
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := decodeContent(w.Content, false)
	if err != nil {
		return err
	}
	*m = Message(w.messageAlias)
	m.Content = content
	return nil
}

// MarshalJSON always emits content as an array.
func (m Message) MarshalJSON() ([]byte, error) {
	a := messageAlias(m)
	if a.Content == nil {
		a.Content = []ContentBlock{}
	}
	return json.Marshal(a)
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == BlockText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ToolUses returns the message's tool_use blocks.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, c := range m.Content {
		if c.Type == BlockToolUse {
			out = append(out, c)
		}
	}
	return out
}

// TotalTokens returns the total token count recorded on the message, or zero.
func (m Message) TotalTokens() int {
	if m.Usage == nil {
		return 0
	}
	return m.Usage.TotalTokens()
}

// Param converts the message to a request turn.
func (m Message) Param() MessageParam {
	return MessageParam{Role: m.Role, Content: m.Clone().Content}
}

// Validate checks the role/content invariant.
func (m Message) Validate() error {
	return validateBlocks(m.Role, m.Content)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	if m.Content != nil {
		c.Content = make([]ContentBlock, len(m.Content))
		for i := range m.Content {
			c.Content[i] = m.Content[i].Clone()
		}
	}
	if m.StopSequence != nil {
		s := *m.StopSequence
		c.StopSequence = &s
	}
	if m.Usage != nil {
		u := m.Usage.Clone()
		c.Usage = &u
	}
	return c
}

// CloneMessages deep-copies a slice of messages.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
