package turboclaude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Epistates/turboclaude-sub003/backoff"
	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/models"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
	"github.com/Epistates/turboclaude-sub003/providers/anthropic"
	"github.com/Epistates/turboclaude-sub003/types"
)

const answer = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",` +
	`"content":[{"type":"text","text":"4"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`

func arithmetic() *types.MessageRequest {
	return &types.MessageRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 16,
		Messages:  []types.MessageParam{types.NewUserMessage(types.NewTextBlock("2+2="))},
	}
}

func server(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_DirectVendorCreate(t *testing.T) {
	var key, beta string
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("x-api-key")
		beta = r.Header.Get("anthropic-beta")
		_, _ = io.WriteString(w, answer)
	})

	client, err := New(t.Context(), WithBaseURL(srv.URL), WithAPIKey("sk-ant-test"), WithBetas("prompt-caching-2024-07-31"))
	require.NoError(t, err)
	defer client.Close()

	msg, err := client.Messages.Create(t.Context(), arithmetic())
	require.NoError(t, err)
	assert.Equal(t, "4", msg.Content[0].Text)
	assert.Equal(t, 6, msg.TotalTokens())
	assert.Equal(t, "sk-ant-test", key)
	assert.Equal(t, "prompt-caching-2024-07-31", beta)
	assert.Equal(t, anthropic.ProviderName, client.Provider().Name())
}

func TestNew_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := server(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("retry-after", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		_, _ = io.WriteString(w, answer)
	})

	var slept []time.Duration
	client, err := New(t.Context(),
		WithBaseURL(srv.URL),
		WithAPIKey("sk-ant-test"),
		WithMaxRetries(3),
		WithBackoff(backoff.DefaultConfig(), backoff.WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		})),
	)
	require.NoError(t, err)

	_, err = client.Messages.Create(t.Context(), arithmetic())
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], 2*time.Second)
}

func TestNew_ZeroRetriesSurfacesError(t *testing.T) {
	var calls atomic.Int32
	srv := server(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)
	})

	client, err := New(t.Context(), WithBaseURL(srv.URL), WithAPIKey("k"), WithMaxRetries(0))
	require.NoError(t, err)
	_, err = client.Messages.Create(t.Context(), arithmetic())
	require.Error(t, err)
	assert.True(t, sdkerrors.IsRetryable(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestNew_TracesProviderCalls(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, answer)
	})
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	client, err := New(t.Context(), WithBaseURL(srv.URL), WithAPIKey("k"), WithTracerProvider(tp))
	require.NoError(t, err)
	_, err = client.Messages.Create(t.Context(), arithmetic())
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "messages.create")
	assert.Contains(t, names, "provider POST /v1/messages")
}

func TestNew_ModelsOnVendor(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/claude-sonnet-4-5", r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.ModelInfo{ID: "claude-sonnet-4-5", Type: "model", DisplayName: "Claude Sonnet 4.5"})
	})
	client, err := New(t.Context(), WithBaseURL(srv.URL), WithAPIKey("k"))
	require.NoError(t, err)

	info, err := client.Models.Get(t.Context(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "Claude Sonnet 4.5", info.DisplayName)
}

func TestNew_BedrockTranslatesRequest(t *testing.T) {
	var path, beta string
	var body map[string]any
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		beta = r.Header.Get("anthropic-beta")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, answer)
	})

	client, err := New(t.Context(),
		WithBedrock("us-west-2"),
		WithBaseURL(srv.URL),
		WithCredential(credentials.NewStaticAWSCredential("us-west-2", "AKID", "SECRET", "")),
		WithBetas("prompt-caching-2024-07-31"),
	)
	require.NoError(t, err)

	req := arithmetic()
	req.MaxTokens = 8
	_, err = client.Messages.Create(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke", path)
	assert.Empty(t, beta)
	assert.Equal(t, "bedrock-2023-05-31", body["anthropic_version"])
	assert.NotContains(t, body, "model")
}

func TestNew_VertexUsesAuthToken(t *testing.T) {
	var auth, path string
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_, _ = io.WriteString(w, answer)
	})

	client, err := New(t.Context(), WithVertex("my-project", "us-east5"), WithBaseURL(srv.URL), WithAuthToken("ya29.token"))
	require.NoError(t, err)
	_, err = client.Messages.Create(t.Context(), arithmetic())
	require.NoError(t, err)
	assert.Equal(t, "Bearer ya29.token", auth)
	assert.Contains(t, path, "/projects/my-project/locations/us-east5/")
}

func TestNew_CustomProviderIsDecorated(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, answer)
	})
	base := anthropic.New(providers.WithBaseURL(srv.URL), providers.WithCredential(credentials.NewAPIKeyCredential("k")))

	client, err := New(t.Context(), WithProvider(base))
	require.NoError(t, err)
	assert.Same(t, base, providers.Innermost(client.Provider()))
	assert.NotSame(t, providers.Provider(base), client.Provider())
	require.NoError(t, client.Close())
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(t.Context(), WithMaxRetries(-1))
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
	_, err = New(t.Context(), WithTimeout(-time.Second))
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
	_, err = New(t.Context(), WithConfig(nil))
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
	_, err = New(t.Context(), func(c *clientConfig) error {
		c.file.Provider = "azure"
		return nil
	})
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindInvalidRequest))
}

func TestNewFromFile(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "from-file", r.Header.Get("x-api-key"))
		assert.Equal(t, "yes", r.Header.Get("x-team"))
		_, _ = io.WriteString(w, answer)
	})
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_BASE_URL", "")

	path := filepath.Join(t.TempDir(), "turboclaude.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`client:
  provider: anthropic
  api_key: from-file
  base_url: `+srv.URL+`
  default_headers:
    x-team: "yes"
`), 0o600))

	client, err := NewFromFile(t.Context(), path)
	require.NoError(t, err)
	msg, err := client.Messages.Create(t.Context(), arithmetic())
	require.NoError(t, err)
	assert.Equal(t, "4", msg.Text())
}
