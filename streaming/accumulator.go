package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/types"
)

// EventSource is a single-pass sequence of stream events.
type EventSource interface {
	Next() bool
	Event() types.StreamEvent
	Err() error
}

// Accumulator assembles stream events into a Message. Events must arrive in
// stream order; violations are reported as Protocol errors.
type Accumulator struct {
	msg     types.Message
	started bool
	stopped bool
	open    map[int]bool
	partial map[int]*strings.Builder
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		open:    make(map[int]bool),
		partial: make(map[int]*strings.Builder),
	}
}

func orderError(format string, args ...any) error {
	return sdkerrors.New(sdkerrors.KindProtocol, fmt.Sprintf(format, args...))
}

// Add applies one event.
func (a *Accumulator) Add(ev types.StreamEvent) error {
	if a.stopped && ev.Type != types.EventPing {
		return orderError("%s after message_stop", ev.Type)
	}
	if !a.started && ev.Type != types.EventMessageStart && ev.Type != types.EventPing {
		return orderError("%s before message_start", ev.Type)
	}

	switch ev.Type {
	case types.EventPing:
		return nil

	case types.EventMessageStart:
		if a.started {
			return orderError("duplicate message_start")
		}
		if ev.Message == nil {
			return orderError("message_start without message")
		}
		a.started = true
		a.msg = ev.Message.Clone()
		if a.msg.Content == nil {
			a.msg.Content = []types.ContentBlock{}
		}

	case types.EventContentBlockStart:
		if ev.ContentBlock == nil {
			return orderError("content_block_start without content_block")
		}
		if ev.Index != len(a.msg.Content) {
			return orderError("content_block_start index %d, expected %d", ev.Index, len(a.msg.Content))
		}
		a.msg.Content = append(a.msg.Content, ev.ContentBlock.Clone())
		a.open[ev.Index] = true

	case types.EventContentBlockDelta:
		if !a.open[ev.Index] {
			return orderError("content_block_delta for block %d that is not open", ev.Index)
		}
		if ev.Delta == nil {
			return orderError("content_block_delta without delta")
		}
		a.applyDelta(ev.Index, *ev.Delta)

	case types.EventContentBlockStop:
		if !a.open[ev.Index] {
			return orderError("content_block_stop for block %d that is not open", ev.Index)
		}
		delete(a.open, ev.Index)
		if err := a.finishInput(ev.Index); err != nil {
			return err
		}

	case types.EventMessageDelta:
		if ev.Delta != nil {
			if ev.Delta.StopReason != "" {
				a.msg.StopReason = ev.Delta.StopReason
			}
			if ev.Delta.StopSequence != nil {
				s := *ev.Delta.StopSequence
				a.msg.StopSequence = &s
			}
		}
		if ev.Usage != nil {
			if a.msg.Usage == nil {
				a.msg.Usage = &types.Usage{}
			}
			a.msg.Usage.Merge(*ev.Usage)
		}

	case types.EventMessageStop:
		if len(a.open) > 0 {
			return orderError("message_stop with %d open content blocks", len(a.open))
		}
		a.stopped = true

	case types.EventError:
		return eventError("", ev)

	default:
		// Unknown event types are tolerated for forward compatibility.
	}
	return nil
}

func (a *Accumulator) applyDelta(index int, d types.Delta) {
	block := &a.msg.Content[index]
	switch d.Type {
	case types.DeltaText:
		block.Text += d.Text
	case types.DeltaInputJSON:
		b, ok := a.partial[index]
		if !ok {
			b = &strings.Builder{}
			a.partial[index] = b
		}
		b.WriteString(d.PartialJSON)
	case types.DeltaThinking:
		block.Thinking += d.Thinking
	case types.DeltaSignature:
		block.Signature = d.Signature
	}
}

// finishInput replaces a tool_use block's input with its accumulated JSON.
func (a *Accumulator) finishInput(index int) error {
	block := &a.msg.Content[index]
	b, ok := a.partial[index]
	delete(a.partial, index)

	if !ok || strings.TrimSpace(b.String()) == "" {
		if block.Type == types.BlockToolUse && len(block.Input) == 0 {
			block.Input = json.RawMessage(`{}`)
		}
		return nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(b.String())); err != nil {
		return sdkerrors.Wrap(sdkerrors.KindSerialization, err, fmt.Sprintf("tool input for block %d", index))
	}
	block.Input = json.RawMessage(buf.Bytes())
	return nil
}

// Done reports whether message_stop has been applied.
func (a *Accumulator) Done() bool {
	return a.stopped
}

// Snapshot returns a copy of the message assembled so far.
func (a *Accumulator) Snapshot() types.Message {
	return a.msg.Clone()
}

// Message returns the assembled message. It fails if message_stop has not
// been seen.
func (a *Accumulator) Message() (types.Message, error) {
	if !a.stopped {
		return types.Message{}, sdkerrors.New(sdkerrors.KindProtocol, "stream ended before message_stop")
	}
	return a.msg.Clone(), nil
}

// Collect drains src into a message.
func Collect(src EventSource) (types.Message, error) {
	acc := NewAccumulator()
	for src.Next() {
		if err := acc.Add(src.Event()); err != nil {
			return types.Message{}, err
		}
	}
	if err := src.Err(); err != nil {
		return types.Message{}, err
	}
	return acc.Message()
}
