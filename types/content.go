package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BlockType discriminates content block variants.
type BlockType string

// Content block types.
const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// CacheTTL is the lifetime requested for a cache breakpoint.
type CacheTTL string

// Supported cache lifetimes.
const (
	CacheTTL5m CacheTTL = "5m"
	CacheTTL1h CacheTTL = "1h"
)

// CacheControl marks a content block as a prompt-cache breakpoint.
type CacheControl struct {
	Type string   `json:"type"`
	TTL  CacheTTL `json:"ttl,omitempty"`
}

// Ephemeral returns an ephemeral cache marker with the given TTL.
// An empty ttl leaves the server default (5 minutes).
func Ephemeral(ttl CacheTTL) *CacheControl {
	return &CacheControl{Type: "ephemeral", TTL: ttl}
}

// Validate checks the marker type and TTL.
func (c *CacheControl) Validate() error {
	if c == nil {
		return nil
	}
	if c.Type != "ephemeral" {
		return fmt.Errorf("cache_control: unsupported type %q", c.Type)
	}
	switch c.TTL {
	case "", CacheTTL5m, CacheTTL1h:
		return nil
	default:
		return fmt.Errorf("cache_control: unsupported ttl %q (want 5m or 1h)", c.TTL)
	}
}

// ImageSource describes image data, either inline base64 or a URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is a tagged content fragment. Only the fields belonging to
// Type are meaningful; the JSON form carries exactly those fields.
type ContentBlock struct {
	Type BlockType

	// text
	Text string

	// image
	Source *ImageSource

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   []ContentBlock
	IsError   bool

	// thinking
	Thinking  string
	Signature string

	CacheControl *CacheControl

	// raw holds the original bytes of a block whose type this package does
	// not know, so it can be re-emitted unchanged.
	raw json.RawMessage
}

// NewTextBlock returns a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewImageBlock returns a base64 image block.
func NewImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// NewToolUseBlock returns a tool_use block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock returns a tool_result block with text content.
func NewToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	b := ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, IsError: isError}
	if text != "" {
		b.Content = []ContentBlock{NewTextBlock(text)}
	}
	return b
}

// NewThinkingBlock returns a thinking block.
func NewThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking, Signature: signature}
}

type textWire struct {
	Type         BlockType     `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

type imageWire struct {
	Type         BlockType     `json:"type"`
	Source       *ImageSource  `json:"source"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

type toolUseWire struct {
	Type         BlockType       `json:"type"`
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Input        json.RawMessage `json:"input"`
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
}

type toolResultWire struct {
	Type         BlockType       `json:"type"`
	ToolUseID    string          `json:"tool_use_id"`
	Content      json.RawMessage `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
}

type thinkingWire struct {
	Type         BlockType     `json:"type"`
	Thinking     string        `json:"thinking"`
	Signature    string        `json:"signature"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

var emptyObject = json.RawMessage(`{}`)

// MarshalJSON emits the fields of the block's variant only.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(textWire{Type: b.Type, Text: b.Text, CacheControl: b.CacheControl})
	case BlockImage:
		return json.Marshal(imageWire{Type: b.Type, Source: b.Source, CacheControl: b.CacheControl})
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = emptyObject
		}
		return json.Marshal(toolUseWire{Type: b.Type, ID: b.ID, Name: b.Name, Input: input, CacheControl: b.CacheControl})
	case BlockToolResult:
		w := toolResultWire{Type: b.Type, ToolUseID: b.ToolUseID, IsError: b.IsError, CacheControl: b.CacheControl}
		if len(b.Content) > 0 {
			content, err := json.Marshal(b.Content)
			if err != nil {
				return nil, err
			}
			w.Content = content
		}
		return json.Marshal(w)
	case BlockThinking:
		return json.Marshal(thinkingWire{Type: b.Type, Thinking: b.Thinking, Signature: b.Signature, CacheControl: b.CacheControl})
	default:
		if len(b.raw) > 0 {
			return b.raw, nil
		}
		return nil, fmt.Errorf("content block: unknown type %q", b.Type)
	}
}

// UnmarshalJSON decodes a block leniently: unknown fields are ignored and
// unknown block types are preserved verbatim.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	return b.decode(data, false)
}

func (b *ContentBlock) decode(data []byte, strict bool) error {
	var head struct {
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	*b = ContentBlock{Type: head.Type}
	switch head.Type {
	case BlockText:
		var w textWire
		if err := unmarshal(data, &w, strict); err != nil {
			return err
		}
		b.Text, b.CacheControl = w.Text, w.CacheControl
	case BlockImage:
		var w imageWire
		if err := unmarshal(data, &w, strict); err != nil {
			return err
		}
		b.Source, b.CacheControl = w.Source, w.CacheControl
	case BlockToolUse:
		var w toolUseWire
		if err := unmarshal(data, &w, strict); err != nil {
			return err
		}
		b.ID, b.Name, b.CacheControl = w.ID, w.Name, w.CacheControl
		if len(w.Input) > 0 && !bytes.Equal(w.Input, []byte("null")) {
			var buf bytes.Buffer
			if err := json.Compact(&buf, w.Input); err != nil {
				return err
			}
			b.Input = buf.Bytes()
		}
	case BlockToolResult:
		var w toolResultWire
		if err := unmarshal(data, &w, strict); err != nil {
			return err
		}
		b.ToolUseID, b.IsError, b.CacheControl = w.ToolUseID, w.IsError, w.CacheControl
		content, err := decodeContent(w.Content, strict)
		if err != nil {
			return fmt.Errorf("tool_result content: %w", err)
		}
		b.Content = content
	case BlockThinking:
		var w thinkingWire
		if err := unmarshal(data, &w, strict); err != nil {
			return err
		}
		b.Thinking, b.Signature, b.CacheControl = w.Thinking, w.Signature, w.CacheControl
	case "":
		return fmt.Errorf("content block: missing type")
	default:
		if strict {
			return fmt.Errorf("content block: unknown type %q", head.Type)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return err
		}
		b.raw = buf.Bytes()
	}
	return nil
}

// decodeContent accepts either a JSON string (one text block) or an array of
// blocks. Empty or null input yields nil.
func decodeContent(data json.RawMessage, strict bool) ([]ContentBlock, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{NewTextBlock(s)}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	blocks := make([]ContentBlock, len(raws))
	for i, raw := range raws {
		if err := blocks[i].decode(raw, strict); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return blocks, nil
}

func unmarshal(data []byte, v any, strict bool) error {
	if !strict {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Validate checks that the block carries the fields its type requires.
func (b ContentBlock) Validate() error {
	if err := b.CacheControl.Validate(); err != nil {
		return err
	}
	switch b.Type {
	case BlockText:
		return nil
	case BlockImage:
		if b.Source == nil {
			return fmt.Errorf("image block: missing source")
		}
		switch b.Source.Type {
		case "base64":
			if b.Source.MediaType == "" || b.Source.Data == "" {
				return fmt.Errorf("image block: base64 source requires media_type and data")
			}
		case "url":
			if b.Source.URL == "" {
				return fmt.Errorf("image block: url source requires url")
			}
		default:
			return fmt.Errorf("image block: unsupported source type %q", b.Source.Type)
		}
		return nil
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block: id and name are required")
		}
		if in := bytes.TrimSpace(b.Input); len(in) > 0 && in[0] != '{' {
			return fmt.Errorf("tool_use block %s: input must be a JSON object", b.ID)
		}
		return nil
	case BlockToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block: tool_use_id is required")
		}
		for i, c := range b.Content {
			if c.Type != BlockText && c.Type != BlockImage {
				return fmt.Errorf("tool_result block %s: content %d has unsupported type %q", b.ToolUseID, i, c.Type)
			}
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil
	case BlockThinking:
		return nil
	default:
		return fmt.Errorf("content block: unknown type %q", b.Type)
	}
}

// Clone returns a deep copy of the block.
func (b ContentBlock) Clone() ContentBlock {
	c := b
	if b.Source != nil {
		src := *b.Source
		c.Source = &src
	}
	if b.Input != nil {
		c.Input = append(json.RawMessage(nil), b.Input...)
	}
	if b.Content != nil {
		c.Content = make([]ContentBlock, len(b.Content))
		for i := range b.Content {
			c.Content[i] = b.Content[i].Clone()
		}
	}
	if b.CacheControl != nil {
		cc := *b.CacheControl
		c.CacheControl = &cc
	}
	if b.raw != nil {
		c.raw = append(json.RawMessage(nil), b.raw...)
	}
	return c
}
