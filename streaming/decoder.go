// Package streaming turns provider frame streams into typed stream events
// and assembles those events into complete messages.
package streaming

import (
	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
	"github.com/Epistates/turboclaude-sub003/types"
)

// Decoder reads typed events from a FrameStream. Ping events are skipped, an
// error event ends the stream with a typed error, and message_stop ends it
// cleanly.
type Decoder struct {
	frames   providers.FrameStream
	provider string
	event    types.StreamEvent
	err      error
	done     bool
}

// NewDecoder wraps frames. provider names the backend in errors.
func NewDecoder(frames providers.FrameStream, provider string) *Decoder {
	return &Decoder{frames: frames, provider: provider}
}

// Next advances to the next event.
func (d *Decoder) Next() bool {
	if d.done || d.err != nil {
		return false
	}
	for d.frames.Next() {
		f := d.frames.Frame()
		ev, err := types.DecodeStreamEvent(f.Event, f.Data)
		if err != nil {
			d.err = sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode stream event").WithProvider(d.provider)
			return false
		}

		switch ev.Type {
		case types.EventPing:
			continue
		case types.EventError:
			d.err = eventError(d.provider, ev)
			return false
		case types.EventMessageStop:
			d.done = true
		}
		d.event = ev
		return true
	}
	d.err = d.frames.Err()
	if d.err == nil && !d.done {
		logger.Warn("stream ended before message_stop", "provider", d.provider)
	}
	return false
}

// Event returns the current event.
func (d *Decoder) Event() types.StreamEvent {
	return d.event
}

// Err returns the error that ended the stream, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Close releases the underlying connection.
func (d *Decoder) Close() error {
	return d.frames.Close()
}

func eventError(provider string, ev types.StreamEvent) error {
	if ev.Error == nil {
		return providers.StreamError(provider, "", "stream error event")
	}
	return providers.StreamError(provider, ev.Error.Type, ev.Error.Message)
}
