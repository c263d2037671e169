package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

func TestParseHTTPError_VendorBody(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "2")
	h.Set("request-id", "req_hdr")
	body := []byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`)

	err := ParseHTTPError("anthropic", "POST /v1/messages", 429, h, body)

	assert.Equal(t, sdkerrors.KindRateLimited, err.Kind)
	assert.Equal(t, "anthropic", err.Provider)
	assert.Equal(t, "POST /v1/messages", err.Endpoint)
	assert.Equal(t, 429, err.StatusCode)
	assert.Equal(t, "req_hdr", err.RequestID)
	assert.Equal(t, 2*time.Second, err.RetryAfter)
	assert.Equal(t, "Number of requests has exceeded your rate limit", err.Message)
}

func TestParseHTTPError_BedrockBody(t *testing.T) {
	h := http.Header{}
	h.Set("x-amzn-ErrorType", "ValidationException:http://internal.amazon.com/coral/com.amazon.bedrock/")
	err := ParseHTTPError("bedrock", "POST /v1/messages", 400, h, []byte(`{"message":"Malformed input request"}`))

	assert.Equal(t, sdkerrors.KindInvalidRequest, err.Kind)
	assert.Equal(t, "Malformed input request", err.Message)
}

func TestParseHTTPError_VertexBody(t *testing.T) {
	body := []byte(`[{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}]`)
	err := ParseHTTPError("vertex", "POST /v1/messages", 429, http.Header{}, body)

	assert.Equal(t, sdkerrors.KindRateLimited, err.Kind)
	assert.Equal(t, "Quota exceeded", err.Message)
}

func TestParseHTTPError_UnknownStatusUsesBodyType(t *testing.T) {
	body := []byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	err := ParseHTTPError("anthropic", "POST /v1/messages", 418, http.Header{}, body)
	assert.Equal(t, sdkerrors.KindTransient, err.Kind)

	err = ParseHTTPError("anthropic", "POST /v1/messages", 409, http.Header{}, []byte("conflict"))
	assert.Equal(t, sdkerrors.KindUnknown, err.Kind)
	assert.Equal(t, "conflict", err.Message)
}

func TestParseHTTPError_EmptyBody(t *testing.T) {
	err := ParseHTTPError("anthropic", "GET /v1/models", 404, http.Header{}, nil)
	assert.Equal(t, sdkerrors.KindNotFound, err.Kind)
	assert.Equal(t, "Not Found", err.Message)
}

func TestKindForErrorType(t *testing.T) {
	tests := map[string]sdkerrors.Kind{
		"invalid_request_error":       sdkerrors.KindInvalidRequest,
		"authentication_error":        sdkerrors.KindAuthentication,
		"ThrottlingException":         sdkerrors.KindRateLimited,
		"modelStreamErrorException":   sdkerrors.KindTransient,
		"AccessDeniedException:extra": sdkerrors.KindPermissionDenied,
		"RESOURCE_EXHAUSTED":          sdkerrors.KindRateLimited,
		"something_else":              sdkerrors.KindUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, KindForErrorType(in), in)
	}
}

func TestClassifyTransportError(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")

	err := ClassifyTransportError(context.Background(), "anthropic", "POST /v1/messages", netErr)
	assert.Equal(t, sdkerrors.KindTransient, err.Kind)
	assert.ErrorIs(t, err, netErr)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, sdkerrors.KindCancelled, ClassifyTransportError(cancelled, "a", "b", netErr).Kind)

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	assert.Equal(t, sdkerrors.KindTimeout, ClassifyTransportError(expired, "a", "b", netErr).Kind)

	typed := sdkerrors.New(sdkerrors.KindProtocol, "x")
	assert.Same(t, typed, ClassifyTransportError(context.Background(), "a", "b", typed))
}
