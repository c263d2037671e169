package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

func encodeChunk(t *testing.T, buf *bytes.Buffer, event string) {
	t.Helper()
	payload := []byte(`{"bytes":"` + base64.StdEncoding.EncodeToString([]byte(event)) + `"}`)
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue("chunk")},
		},
		Payload: payload,
	}
	require.NoError(t, eventstream.NewEncoder().Encode(buf, msg))
}

func encodeException(t *testing.T, buf *bytes.Buffer, excType, message string) {
	t.Helper()
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
			{Name: ":exception-type", Value: eventstream.StringValue(excType)},
		},
		Payload: []byte(`{"message":"` + message + `"}`),
	}
	require.NoError(t, eventstream.NewEncoder().Encode(buf, msg))
}

func TestEventStreamScanner_Chunks(t *testing.T) {
	var buf bytes.Buffer
	encodeChunk(t, &buf, `{"type":"message_start"}`)
	encodeChunk(t, &buf, `{"type":"message_stop"}`)

	s := NewEventStreamScanner(&buf, "bedrock")
	var got []string
	for s.Scan() {
		got = append(got, string(s.Data()))
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{`{"type":"message_start"}`, `{"type":"message_stop"}`}, got)
}

func TestEventStreamScanner_SkipsEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, eventstream.NewEncoder().Encode(&buf, eventstream.Message{
		Headers: eventstream.Headers{{Name: ":message-type", Value: eventstream.StringValue("event")}},
		Payload: []byte(`{}`),
	}))
	encodeChunk(t, &buf, `{"type":"ping"}`)

	s := NewEventStreamScanner(&buf, "bedrock")
	require.True(t, s.Scan())
	assert.Equal(t, `{"type":"ping"}`, string(s.Data()))
}

func TestEventStreamScanner_Exception(t *testing.T) {
	var buf bytes.Buffer
	encodeChunk(t, &buf, `{"type":"message_start"}`)
	encodeException(t, &buf, "throttlingException", "slow down")

	s := NewEventStreamScanner(&buf, "bedrock")
	require.True(t, s.Scan())
	assert.False(t, s.Scan())

	err := s.Err()
	require.Error(t, err)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindRateLimited))
	assert.Contains(t, err.Error(), "slow down")
}

func TestEventStream_FrameStream(t *testing.T) {
	var buf bytes.Buffer
	encodeChunk(t, &buf, `{"type":"ping"}`)

	fs := NewEventStream(context.Background(), "bedrock", "POST /v1/messages", io.NopCloser(&buf))
	defer fs.Close()

	require.True(t, fs.Next())
	assert.Equal(t, Frame{Data: []byte(`{"type":"ping"}`)}, fs.Frame())
	assert.False(t, fs.Next())
	assert.NoError(t, fs.Err())
}

func TestEventStream_ExceptionKeepsKind(t *testing.T) {
	var buf bytes.Buffer
	encodeException(t, &buf, "validationException", "bad input")

	fs := NewEventStream(context.Background(), "bedrock", "POST /v1/messages", io.NopCloser(&buf))
	assert.False(t, fs.Next())
	assert.True(t, sdkerrors.IsKind(fs.Err(), sdkerrors.KindInvalidRequest))
}
