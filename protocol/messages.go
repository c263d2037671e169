// Package protocol implements the JSON-line control protocol spoken between
// the host and an agent process: wire message types, parsing, and a Conn
// that correlates requests with responses and dispatches callbacks.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/types"
)

// Type is the value of a message's "type" field.
type Type string

// Message types.
const (
	TypeQuery              Type = "query"
	TypeQueryResponse      Type = "query_response"
	TypeStreamMessage      Type = "stream_message"
	TypeControl            Type = "control"
	TypeControlResponse    Type = "control_response"
	TypeHook               Type = "hook"
	TypeHookResponse       Type = "hook_response"
	TypePermissionCheck    Type = "permission_check"
	TypePermissionResponse Type = "permission_response"
	TypeError              Type = "error"
)

// Control commands.
const (
	CommandInterrupt         = "interrupt"
	CommandSetModel          = "set_model"
	CommandSetPermissionMode = "set_permission_mode"
	CommandShutdown          = "shutdown"
	CommandFork              = "fork"
	CommandGetState          = "get_state"
)

// QueryStatus is the terminal status of a query.
type QueryStatus string

// Query statuses.
const (
	StatusCompleted   QueryStatus = "completed"
	StatusInterrupted QueryStatus = "interrupted"
	StatusError       QueryStatus = "error"
)

// Message is any protocol message.
type Message interface {
	MessageType() Type
	ID() uint64
	stamp()
}

// QueryRequest asks the agent to run one user turn. Messages seeds the
// conversation history, which a forked session uses to start from an
// earlier point.
type QueryRequest struct {
	Type      Type            `json:"type"`
	RequestID uint64          `json:"request_id"`
	Content   string          `json:"content"`
	Model     string          `json:"model,omitempty"`
	System    string          `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	Messages  []types.Message `json:"messages,omitempty"`
}

// QueryResponse is the terminal result of a query.
type QueryResponse struct {
	Type      Type           `json:"type"`
	RequestID uint64         `json:"request_id"`
	Status    QueryStatus    `json:"status,omitempty"`
	Message   *types.Message `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// StreamMessage carries one assistant message produced while a query runs.
// A zero RequestID addresses the most recent in-flight query.
type StreamMessage struct {
	Type      Type          `json:"type"`
	RequestID uint64        `json:"request_id,omitempty"`
	Message   types.Message `json:"message"`
}

// ControlRequest is a runtime command such as interrupt or set_model.
type ControlRequest struct {
	Type      Type            `json:"type"`
	RequestID uint64          `json:"request_id"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ControlResponse acknowledges a ControlRequest.
type ControlResponse struct {
	Type      Type            `json:"type"`
	RequestID uint64          `json:"request_id"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HookRequest asks the host to run the hooks registered for EventName.
type HookRequest struct {
	Type      Type            `json:"type"`
	RequestID uint64          `json:"request_id"`
	EventName string          `json:"event_name"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ToolName returns data.tool_name, or "" when absent.
func (h *HookRequest) ToolName() string {
	var d struct {
		ToolName string `json:"tool_name"`
	}
	if len(h.Data) == 0 || json.Unmarshal(h.Data, &d) != nil {
		return ""
	}
	return d.ToolName
}

// ModifiedInputs replaces the tool or its input before execution.
type ModifiedInputs struct {
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// HookResponse tells the agent how to proceed after a hook.
type HookResponse struct {
	Type               Type            `json:"type"`
	RequestID          uint64          `json:"request_id"`
	Continue           bool            `json:"continue"`
	ModifiedInputs     *ModifiedInputs `json:"modified_inputs,omitempty"`
	PermissionDecision string          `json:"permission_decision,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	StopReason         string          `json:"stop_reason,omitempty"`
	SystemMessage      string          `json:"system_message,omitempty"`
	SuppressOutput     bool            `json:"suppress_output,omitempty"`
	AdditionalContext  json.RawMessage `json:"additional_context,omitempty"`
}

// PermissionCheck asks the host whether a tool may run.
type PermissionCheck struct {
	Type       Type            `json:"type"`
	RequestID  uint64          `json:"request_id"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// PermissionResponse grants or denies a PermissionCheck.
type PermissionResponse struct {
	Type          Type            `json:"type"`
	RequestID     uint64          `json:"request_id"`
	Allow         bool            `json:"allow"`
	ModifiedInput json.RawMessage `json:"modified_input,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ErrorMessage reports a processing failure. A non-zero RequestID fails
// that request.
type ErrorMessage struct {
	Type      Type            `json:"type"`
	RequestID uint64          `json:"request_id,omitempty"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (m *QueryRequest) MessageType() Type       { return TypeQuery }
func (m *QueryResponse) MessageType() Type      { return TypeQueryResponse }
func (m *StreamMessage) MessageType() Type      { return TypeStreamMessage }
func (m *ControlRequest) MessageType() Type     { return TypeControl }
func (m *ControlResponse) MessageType() Type    { return TypeControlResponse }
func (m *HookRequest) MessageType() Type        { return TypeHook }
func (m *HookResponse) MessageType() Type       { return TypeHookResponse }
func (m *PermissionCheck) MessageType() Type    { return TypePermissionCheck }
func (m *PermissionResponse) MessageType() Type { return TypePermissionResponse }
func (m *ErrorMessage) MessageType() Type       { return TypeError }

func (m *QueryRequest) ID() uint64       { return m.RequestID }
func (m *QueryResponse) ID() uint64      { return m.RequestID }
func (m *StreamMessage) ID() uint64      { return m.RequestID }
func (m *ControlRequest) ID() uint64     { return m.RequestID }
func (m *ControlResponse) ID() uint64    { return m.RequestID }
func (m *HookRequest) ID() uint64        { return m.RequestID }
func (m *HookResponse) ID() uint64       { return m.RequestID }
func (m *PermissionCheck) ID() uint64    { return m.RequestID }
func (m *PermissionResponse) ID() uint64 { return m.RequestID }
func (m *ErrorMessage) ID() uint64       { return m.RequestID }

func (m *QueryRequest) stamp()       { m.Type = TypeQuery }
func (m *QueryResponse) stamp()      { m.Type = TypeQueryResponse }
func (m *StreamMessage) stamp()      { m.Type = TypeStreamMessage }
func (m *ControlRequest) stamp()     { m.Type = TypeControl }
func (m *ControlResponse) stamp()    { m.Type = TypeControlResponse }
func (m *HookRequest) stamp()        { m.Type = TypeHook }
func (m *HookResponse) stamp()       { m.Type = TypeHookResponse }
func (m *PermissionCheck) stamp()    { m.Type = TypePermissionCheck }
func (m *PermissionResponse) stamp() { m.Type = TypePermissionResponse }
func (m *ErrorMessage) stamp()       { m.Type = TypeError }

// Encode renders m as one JSON line without the trailing newline. The type
// field is filled in from the concrete message.
func Encode(m Message) ([]byte, error) {
	m.stamp()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, fmt.Sprintf("encode %s", m.MessageType()))
	}
	return data, nil
}

// inbound lists the types an agent may send to the host.
var inbound = map[Type]bool{
	TypeQueryResponse:   true,
	TypeStreamMessage:   true,
	TypeControlResponse: true,
	TypeHook:            true,
	TypePermissionCheck: true,
	TypeError:           true,
}

// ParseInbound decodes a frame received from the agent. Malformed JSON is a
// Serialization error; a missing, unknown or host-only type is a Protocol
// error.
func ParseInbound(data []byte) (Message, error) {
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if !inbound[m.MessageType()] {
		return nil, sdkerrors.New(sdkerrors.KindProtocol, fmt.Sprintf("unexpected inbound message type %q", m.MessageType()))
	}
	return m, nil
}

// Parse decodes a frame of any message type.
func Parse(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode frame")
	}

	var m Message
	switch head.Type {
	case TypeQuery:
		m = &QueryRequest{}
	case TypeQueryResponse:
		m = &QueryResponse{}
	case TypeStreamMessage:
		m = &StreamMessage{}
	case TypeControl:
		m = &ControlRequest{}
	case TypeControlResponse:
		m = &ControlResponse{}
	case TypeHook:
		m = &HookRequest{}
	case TypeHookResponse:
		m = &HookResponse{}
	case TypePermissionCheck:
		m = &PermissionCheck{}
	case TypePermissionResponse:
		m = &PermissionResponse{}
	case TypeError:
		m = &ErrorMessage{}
	case "":
		return nil, sdkerrors.New(sdkerrors.KindProtocol, "frame has no type")
	default:
		return nil, sdkerrors.New(sdkerrors.KindProtocol, fmt.Sprintf("unknown message type %q", head.Type))
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, fmt.Sprintf("decode %s", head.Type))
	}
	return m, nil
}

// peekRequestID extracts request_id from a frame that failed to parse, so
// the failure can be charged to the request it belongs to.
func peekRequestID(data []byte) (uint64, bool) {
	var head struct {
		RequestID uint64 `json:"request_id"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&head); err != nil || head.RequestID == 0 {
		return 0, false
	}
	return head.RequestID, true
}
