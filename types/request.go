package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SystemPrompt is the system field: a string on the wire when it is a single
// plain text block, an array of text blocks otherwise.
type SystemPrompt []ContentBlock

// NewSystemPrompt returns a single-block system prompt, or nil for "".
func NewSystemPrompt(text string) SystemPrompt {
	if text == "" {
		return nil
	}
	return SystemPrompt{NewTextBlock(text)}
}

// Text concatenates the prompt's text blocks.
func (s SystemPrompt) Text() string {
	return Message{Content: s}.Text()
}

// MarshalJSON emits a plain string when possible.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if len(s) == 1 && s[0].Type == BlockText && s[0].CacheControl == nil {
		return json.Marshal(s[0].Text)
	}
	return json.Marshal([]ContentBlock(s))
}

// UnmarshalJSON accepts a string or an array of text blocks.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	blocks, err := decodeContent(data, false)
	if err != nil {
		return err
	}
	*s = blocks
	return nil
}

// Metadata is request metadata forwarded to the service.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessageRequest is the canonical body of POST /v1/messages.
type MessageRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []MessageParam  `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

// CountTokens derives the token-counting request for r.
func (r *MessageRequest) CountTokens() *CountTokensRequest {
	return &CountTokensRequest{
		Model:      r.Model,
		Messages:   r.Messages,
		System:     r.System,
		Tools:      r.Tools,
		ToolChoice: r.ToolChoice,
		Thinking:   r.Thinking,
	}
}

// CountTokensRequest is the body of POST /v1/messages/count_tokens.
type CountTokensRequest struct {
	Model      string          `json:"model"`
	Messages   []MessageParam  `json:"messages"`
	System     SystemPrompt    `json:"system,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking   *ThinkingConfig `json:"thinking,omitempty"`
}

// CountTokensResponse is the result of a token count.
type CountTokensResponse struct {
	InputTokens uint64 `json:"input_tokens"`
}

// requestWire mirrors MessageRequest with content left raw so DecodeRequest
// can apply strict decoding to every nested block.
type requestWire struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []paramWire     `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type paramWire struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// DecodeRequest strictly decodes a MessageRequest: unknown fields anywhere in
// the body, including inside content blocks, are rejected.
func DecodeRequest(data []byte) (*MessageRequest, error) {
	var w requestWire
	if err := unmarshal(data, &w, true); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	req := &MessageRequest{
		Model:         w.Model,
		MaxTokens:     w.MaxTokens,
		Temperature:   w.Temperature,
		TopP:          w.TopP,
		TopK:          w.TopK,
		StopSequences: w.StopSequences,
		Tools:         w.Tools,
		ToolChoice:    w.ToolChoice,
		Metadata:      w.Metadata,
		Thinking:      w.Thinking,
		Stream:        w.Stream,
	}

	if w.Messages != nil {
		req.Messages = make([]MessageParam, len(w.Messages))
	}
	for i, m := range w.Messages {
		content, err := decodeContent(m.Content, true)
		if err != nil {
			return nil, fmt.Errorf("decode request: message %d: %w", i, err)
		}
		req.Messages[i] = MessageParam{Role: m.Role, Content: content}
	}

	if len(bytes.TrimSpace(w.System)) > 0 {
		system, err := decodeContent(w.System, true)
		if err != nil {
			return nil, fmt.Errorf("decode request: system: %w", err)
		}
		req.System = system
	}
	return req, nil
}

// DecodeMessage leniently decodes a response message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
