package messages

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Epistates/turboclaude-sub003/backoff"
	"github.com/Epistates/turboclaude-sub003/credentials"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
	"github.com/Epistates/turboclaude-sub003/providers/anthropic"
	"github.com/Epistates/turboclaude-sub003/providers/bedrock"
	"github.com/Epistates/turboclaude-sub003/types"
)

func newVendor(t *testing.T, handler http.HandlerFunc) *anthropic.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return anthropic.New(
		providers.WithBaseURL(srv.URL),
		providers.WithCredential(credentials.NewAPIKeyCredential("sk-test")),
	)
}

func userText(text string) types.MessageParam {
	return types.NewUserMessage(types.NewTextBlock(text))
}

func TestCreate_DirectVendor(t *testing.T) {
	var gotBody map[string]any
	var gotKey, gotVersion string
	p := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",`+
			`"content":[{"type":"text","text":"4"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`)
	})

	msg, err := NewService(p).Create(context.Background(), &types.MessageRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 16,
		Messages:  []types.MessageParam{userText("2+2=")},
	})
	require.NoError(t, err)

	require.NotEmpty(t, msg.Content)
	assert.Equal(t, "4", msg.Content[0].Text)
	assert.Equal(t, 6, msg.TotalTokens())
	assert.Equal(t, types.StopEndTurn, msg.StopReason)

	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, anthropic.APIVersion, gotVersion)
	assert.Equal(t, "claude-3-5-sonnet-20241022", gotBody["model"])
	assert.NotContains(t, gotBody, "stream")
}

func TestCreate_DefaultModel(t *testing.T) {
	var gotModel string
	p := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		_, _ = io.WriteString(w, `{"id":"m","role":"assistant","content":[]}`)
	})

	req := &types.MessageRequest{MaxTokens: 1, Messages: []types.MessageParam{userText("hi")}}
	_, err := NewService(p, WithDefaultModel("claude-3-haiku-20240307")).Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-haiku-20240307", gotModel)
	assert.Empty(t, req.Model, "caller's request must not be modified")
}

func TestCreate_RetriesRateLimitWithRetryAfter(t *testing.T) {
	var calls atomic.Int32
	p := newVendor(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("retry-after", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"ok"}]}`)
	})

	cfg := backoff.DefaultConfig()
	cfg.MaxRetries = 3
	var slept []time.Duration
	strategy := backoff.New(cfg, backoff.WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	svc := NewService(providers.Chain(p, providers.WithRetry(strategy)))
	msg, err := svc.Create(context.Background(), &types.MessageRequest{
		Model: "claude-3-5-sonnet-20241022", MaxTokens: 8, Messages: []types.MessageParam{userText("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Text())
	assert.EqualValues(t, 2, calls.Load())

	require.Len(t, slept, 1)
	upper := 2*time.Second + time.Duration(float64(cfg.Base)*(1+cfg.Jitter))
	assert.GreaterOrEqual(t, slept[0], 2*time.Second)
	assert.LessOrEqual(t, slept[0], upper)
}

func TestCreate_DoesNotRetryInvalidRequest(t *testing.T) {
	var calls atomic.Int32
	p := newVendor(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	})
	strategy := backoff.New(backoff.DefaultConfig(), backoff.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	_, err := NewService(providers.Chain(p, providers.WithRetry(strategy))).Create(context.Background(), &types.MessageRequest{
		Model: "m", MaxTokens: 8, Messages: []types.MessageParam{userText("hi")},
	})
	require.Error(t, err)
	assert.Equal(t, sdkerrors.KindInvalidRequest, sdkerrors.KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

const helloSSE = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
	": keepalive\n\n" +
	"event: ping\ndata: {\"type\":\"ping\"}\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}` + "\n\n" +
	"event: content_block_stop\n" +
	`data: {"type":"content_block_stop","index":0}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func TestStream_Collect(t *testing.T) {
	var gotStream any
	p := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStream = body["stream"]
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, helloSSE)
	})

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	stream, err := NewService(p, WithTracerProvider(tp)).Stream(context.Background(), &types.MessageRequest{
		Model: "m", MaxTokens: 16, Messages: []types.MessageParam{userText("hi")},
	})
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Text())
	assert.Equal(t, types.StopEndTurn, msg.StopReason)
	require.NotNil(t, msg.Usage)
	assert.Equal(t, 5, msg.TotalTokens())
	assert.Equal(t, true, gotStream)

	require.NoError(t, stream.Close())

	byName := map[string]tracetest.SpanStub{}
	for _, span := range exporter.GetSpans() {
		byName[span.Name] = span
	}
	root, ok := byName["messages.stream"]
	require.True(t, ok, "messages.stream span recorded")
	httpSpan, ok := byName["HTTP POST"]
	require.True(t, ok, "client span recorded by the HTTP transport")
	assert.Equal(t, root.SpanContext.TraceID(), httpSpan.SpanContext.TraceID())
	assert.Equal(t, root.SpanContext.SpanID(), httpSpan.Parent.SpanID())
}

func TestCountTokens_NilRequest(t *testing.T) {
	p := newVendor(t, func(http.ResponseWriter, *http.Request) {
		t.Error("nil request reached the backend")
	})
	_, err := NewService(p).CountTokens(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
}

func TestStream_EventsInOrder(t *testing.T) {
	p := newVendor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, helloSSE)
	})
	stream, err := NewService(p).Stream(context.Background(), &types.MessageRequest{
		Model: "m", MaxTokens: 16, Messages: []types.MessageParam{userText("hi")},
	})
	require.NoError(t, err)
	defer stream.Close()

	var seen []types.StreamEventType
	for stream.Next() {
		seen = append(seen, stream.Event().Type)
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []types.StreamEventType{
		types.EventMessageStart,
		types.EventContentBlockStart,
		types.EventContentBlockDelta,
		types.EventContentBlockDelta,
		types.EventContentBlockStop,
		types.EventMessageDelta,
		types.EventMessageStop,
	}, seen)
	assert.Equal(t, "Hello", stream.Message().Text())
	assert.False(t, stream.Next(), "stream is single-pass")
}

func TestStream_ErrorEvent(t *testing.T) {
	p := newVendor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"id":"m","role":"assistant","content":[]}}`+"\n\n"+
			"event: error\n"+
			`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	})
	stream, err := NewService(p).Stream(context.Background(), &types.MessageRequest{
		Model: "m", MaxTokens: 16, Messages: []types.MessageParam{userText("hi")},
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Collect()
	require.Error(t, err)
	assert.True(t, sdkerrors.IsRetryable(err))
}

func TestCountTokens(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	p := newVendor(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"input_tokens":42}`)
	})

	n, err := NewService(p).CountTokens(context.Background(), &types.MessageRequest{
		Model: "m", MaxTokens: 16, Messages: []types.MessageParam{userText("hi")},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
	assert.Equal(t, providers.PathCountTokens, gotPath)
	assert.NotContains(t, gotBody, "max_tokens")
}

func TestCountTokens_UnsupportedOnBedrock(t *testing.T) {
	p, err := bedrock.New(context.Background(), "us-east-1",
		providers.WithBaseURL("http://unused.invalid"),
		providers.WithCredential(credentials.NewStaticAWSCredential("us-east-1", "a", "b", "")))
	require.NoError(t, err)

	_, err = NewService(p).CountTokens(context.Background(), &types.MessageRequest{
		Model: "m", Messages: []types.MessageParam{userText("hi")},
	})
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindFeatureNotSupported))
}

func TestCreate_ValidationFailsBeforeSending(t *testing.T) {
	var calls atomic.Int32
	p := newVendor(t, func(http.ResponseWriter, *http.Request) { calls.Add(1) })

	_, err := NewService(p).Create(context.Background(), &types.MessageRequest{Model: "m", MaxTokens: 0,
		Messages: []types.MessageParam{userText("hi")}})
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
	_, err = NewService(p).Stream(context.Background(), &types.MessageRequest{Model: "m", MaxTokens: 1})
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
	assert.Zero(t, calls.Load())
}
