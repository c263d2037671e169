package messages

import (
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/streaming"
	"github.com/Epistates/turboclaude-sub003/telemetry"
	"github.com/Epistates/turboclaude-sub003/types"
)

// Stream is a single-pass sequence of events for one streamed response. It
// assembles events as they pass so the final message is available through
// Message or Collect. Callers must Close it.
type Stream struct {
	decoder  *streaming.Decoder
	acc      *streaming.Accumulator
	span     trace.Span
	provider string
	model    string

	event types.StreamEvent
	err   error

	finishOnce sync.Once
}

func newStream(dec *streaming.Decoder, span trace.Span, provider, model string) *Stream {
	return &Stream{
		decoder:  dec,
		acc:      streaming.NewAccumulator(),
		span:     span,
		provider: provider,
		model:    model,
	}
}

// Next advances to the next event. It returns false at the end of the
// message or on error; see Err.
func (s *Stream) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.decoder.Next() {
		s.err = s.decoder.Err()
		s.finish()
		return false
	}
	ev := s.decoder.Event()
	if err := s.acc.Add(ev); err != nil {
		s.err = err
		s.finish()
		return false
	}
	s.event = ev
	return true
}

// Event returns the current event.
func (s *Stream) Event() types.StreamEvent {
	return s.event
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Message returns the message assembled so far. It is complete once Next
// has returned false with a nil Err.
func (s *Stream) Message() types.Message {
	return s.acc.Snapshot()
}

// Collect drains the remaining events and returns the assembled message.
func (s *Stream) Collect() (types.Message, error) {
	for s.Next() {
	}
	if s.err != nil {
		return types.Message{}, s.err
	}
	return s.acc.Message()
}

// Close releases the connection. Events not yet read are dropped.
func (s *Stream) Close() error {
	err := s.decoder.Close()
	s.finish()
	return err
}

func (s *Stream) finish() {
	s.finishOnce.Do(func() {
		msg := s.acc.Snapshot()
		if msg.Usage != nil {
			recordUsage(s.provider, s.model, msg.Usage)
			s.span.SetAttributes(
				telemetry.AttrInputTok.Int(msg.Usage.InputTokens),
				telemetry.AttrOutputTok.Int(msg.Usage.OutputTokens),
			)
		}
		if s.err != nil {
			s.span.RecordError(s.err)
			s.span.SetAttributes(telemetry.AttrErrorKind.String(sdkerrors.KindOf(s.err).String()))
			s.span.SetStatus(codes.Error, s.err.Error())
		}
		s.span.End()
	})
}
