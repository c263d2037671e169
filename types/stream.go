package types

import (
	"encoding/json"
	"fmt"
)

// StreamEventType names a server-sent event.
type StreamEventType string

// Stream event types, in the order they occur for one message.
const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
	EventPing              StreamEventType = "ping"
	EventError             StreamEventType = "error"
)

// DeltaType discriminates content block deltas.
type DeltaType string

// Delta types.
const (
	DeltaText      DeltaType = "text_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
	DeltaThinking  DeltaType = "thinking_delta"
	DeltaSignature DeltaType = "signature_delta"
)

// Delta is the payload of content_block_delta and message_delta events.
type Delta struct {
	Type         DeltaType  `json:"type,omitempty"`
	Text         string     `json:"text,omitempty"`
	PartialJSON  string     `json:"partial_json,omitempty"`
	Thinking     string     `json:"thinking,omitempty"`
	Signature    string     `json:"signature,omitempty"`
	StopReason   StopReason `json:"stop_reason,omitempty"`
	StopSequence *string    `json:"stop_sequence,omitempty"`
}

// APIError is the error object carried by error events and error responses.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the body of a non-2xx response.
type ErrorResponse struct {
	Type      string   `json:"type"`
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

// StreamEvent is one typed event of a streamed response.
type StreamEvent struct {
	Type         StreamEventType
	Message      *Message
	Index        int
	ContentBlock *ContentBlock
	Delta        *Delta
	Usage        *Usage
	Error        *APIError
}

type streamEventWire struct {
	Type         StreamEventType `json:"type"`
	Message      *Message        `json:"message,omitempty"`
	Index        *int            `json:"index,omitempty"`
	ContentBlock *ContentBlock   `json:"content_block,omitempty"`
	Delta        *Delta          `json:"delta,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Error        *APIError       `json:"error,omitempty"`
}

// HasIndex reports whether events of this type carry a block index.
func (t StreamEventType) HasIndex() bool {
	switch t {
	case EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop:
		return true
	default:
		return false
	}
}

// MarshalJSON emits "index" only for content block events.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	w := streamEventWire{
		Type:         e.Type,
		Message:      e.Message,
		ContentBlock: e.ContentBlock,
		Delta:        e.Delta,
		Usage:        e.Usage,
		Error:        e.Error,
	}
	if e.Type.HasIndex() {
		idx := e.Index
		w.Index = &idx
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes leniently.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w streamEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = StreamEvent{
		Type:         w.Type,
		Message:      w.Message,
		ContentBlock: w.ContentBlock,
		Delta:        w.Delta,
		Usage:        w.Usage,
		Error:        w.Error,
	}
	if w.Index != nil {
		e.Index = *w.Index
	}
	return nil
}

// DecodeStreamEvent decodes one event payload. When eventName is non-empty it
// must agree with the payload's type field; a payload without a type takes
// the event name.
func DecodeStreamEvent(eventName string, data []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decode %s event: %w", eventName, err)
	}
	if ev.Type == "" {
		ev.Type = StreamEventType(eventName)
	}
	if eventName != "" && string(ev.Type) != eventName {
		return StreamEvent{}, fmt.Errorf("event name %q does not match payload type %q", eventName, ev.Type)
	}
	if ev.Type == "" {
		return StreamEvent{}, fmt.Errorf("stream event without type")
	}
	return ev, nil
}
