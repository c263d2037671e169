package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

const (
	eventStreamException = "exception"
	eventStreamError     = "error"
)

// EventStreamScanner decodes AWS binary event-stream frames from Bedrock's
// invoke-with-response-stream endpoint. Each chunk frame's payload is
// {"bytes":"<base64>"} where the decoded bytes are a vendor JSON stream event.
type EventStreamScanner struct {
	decoder  *eventstream.Decoder
	reader   io.Reader
	buf      []byte
	provider string
	data     []byte
	err      error
}

type chunkPayload struct {
	Bytes string `json:"bytes"`
}

// NewEventStreamScanner creates a scanner that reads AWS binary event-stream frames.
func NewEventStreamScanner(r io.Reader, provider string) *EventStreamScanner {
	return &EventStreamScanner{
		decoder:  eventstream.NewDecoder(),
		reader:   r,
		buf:      make([]byte, 0, 4096),
		provider: provider,
	}
}

// Scan reads the next chunk frame. Exception frames end the scan with a
// typed error; frames without a payload are skipped.
func (s *EventStreamScanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for {
		msg, err := s.decoder.Decode(s.reader, s.buf)
		if err != nil {
			if !stderrors.Is(err, io.EOF) {
				s.err = err
			}
			return false
		}

		switch headerString(msg, ":message-type") {
		case eventStreamException:
			s.err = s.exception(msg)
			return false
		case eventStreamError:
			s.err = StreamError(s.provider, headerString(msg, ":error-code"), headerString(msg, ":error-message"))
			return false
		}

		var payload chunkPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Bytes)
		if err != nil {
			s.err = sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode event-stream chunk").WithProvider(s.provider)
			return false
		}
		s.data = decoded
		return true
	}
}

func (s *EventStreamScanner) exception(msg eventstream.Message) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(msg.Payload, &body)
	if body.Message == "" {
		body.Message = string(msg.Payload)
	}
	excType := headerString(msg, ":exception-type")
	return StreamError(s.provider, excType, fmt.Sprintf("%s: %s", excType, body.Message))
}

func headerString(msg eventstream.Message, name string) string {
	if v := msg.Headers.Get(name); v != nil {
		if s, ok := v.(eventstream.StringValue); ok {
			return string(s)
		}
	}
	return ""
}

// Data returns the decoded vendor JSON event from the last scanned frame.
func (s *EventStreamScanner) Data() []byte {
	return s.data
}

// Err returns any error encountered during scanning.
func (s *EventStreamScanner) Err() error {
	return s.err
}

type eventStream struct {
	ctx      context.Context
	endpoint string
	body     io.ReadCloser
	scanner  *EventStreamScanner
	err      error
}

// NewEventStream returns a FrameStream reading AWS event-stream frames from body.
func NewEventStream(ctx context.Context, provider, endpoint string, body io.ReadCloser) FrameStream {
	return &eventStream{
		ctx:      ctx,
		endpoint: endpoint,
		body:     body,
		scanner:  NewEventStreamScanner(body, provider),
	}
}

func (s *eventStream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.scanner.Scan() {
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = ClassifyTransportError(s.ctx, s.scanner.provider, s.endpoint, err)
	}
	return false
}

func (s *eventStream) Frame() Frame {
	return Frame{Data: s.scanner.Data()}
}

func (s *eventStream) Err() error {
	return s.err
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
