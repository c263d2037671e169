package providers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/pkg/httputil"
)

// errorTypeKinds maps error type names found in response bodies and stream
// exceptions to kinds. Vendor names are snake_case; Bedrock names are the
// AWS exception shapes, matched case-insensitively.
var errorTypeKinds = map[string]sdkerrors.Kind{
	// vendor
	"invalid_request_error": sdkerrors.KindInvalidRequest,
	"request_too_large":     sdkerrors.KindInvalidRequest,
	"authentication_error":  sdkerrors.KindAuthentication,
	"permission_error":      sdkerrors.KindPermissionDenied,
	"not_found_error":       sdkerrors.KindNotFound,
	"rate_limit_error":      sdkerrors.KindRateLimited,
	"api_error":             sdkerrors.KindTransient,
	"overloaded_error":      sdkerrors.KindTransient,
	"timeout_error":         sdkerrors.KindTransient,

	// bedrock
	"validationexception":           sdkerrors.KindInvalidRequest,
	"unrecognizedclientexception":   sdkerrors.KindAuthentication,
	"accessdeniedexception":         sdkerrors.KindPermissionDenied,
	"resourcenotfoundexception":     sdkerrors.KindNotFound,
	"throttlingexception":           sdkerrors.KindRateLimited,
	"servicequotaexceededexception": sdkerrors.KindRateLimited,
	"modeltimeoutexception":         sdkerrors.KindTransient,
	"modelnotreadyexception":        sdkerrors.KindTransient,
	"modelstreamerrorexception":     sdkerrors.KindTransient,
	"internalserverexception":       sdkerrors.KindTransient,
	"serviceunavailableexception":   sdkerrors.KindTransient,

	// vertex (google.rpc.Code names)
	"invalid_argument":   sdkerrors.KindInvalidRequest,
	"unauthenticated":    sdkerrors.KindAuthentication,
	"permission_denied":  sdkerrors.KindPermissionDenied,
	"not_found":          sdkerrors.KindNotFound,
	"resource_exhausted": sdkerrors.KindRateLimited,
	"unavailable":        sdkerrors.KindTransient,
	"internal":           sdkerrors.KindTransient,
	"deadline_exceeded":  sdkerrors.KindTransient,
}

// KindForErrorType maps a server error type name to a kind. Unknown names
// map to KindUnknown.
func KindForErrorType(errType string) sdkerrors.Kind {
	t := strings.ToLower(strings.TrimSpace(errType))
	// Bedrock's x-amzn-ErrorType header may carry ":http://..." suffixes.
	if i := strings.IndexByte(t, ':'); i >= 0 {
		t = t[:i]
	}
	if i := strings.LastIndexByte(t, '#'); i >= 0 {
		t = t[i+1:]
	}
	if k, ok := errorTypeKinds[t]; ok {
		return k
	}
	return sdkerrors.KindUnknown
}

// errorBody is a union of the error shapes returned by the three backends:
//
//	vendor:  {"type":"error","error":{"type":"...","message":"..."},"request_id":"..."}
//	bedrock: {"message":"..."} or {"Message":"...","__type":"..."}
//	vertex:  {"error":{"code":429,"message":"...","status":"RESOURCE_EXHAUSTED"}}
type errorBody struct {
	Type      string          `json:"type"`
	Error     json.RawMessage `json:"error"`
	RequestID string          `json:"request_id"`
	Message   string          `json:"message"`
	AWSType   string          `json:"__type"`
}

type nestedError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// parseErrorBody extracts the error type and message from a body in any of
// the supported shapes. A Vertex error list is unwrapped to its first entry.
func parseErrorBody(body []byte) (errType, message, requestID string) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if json.Unmarshal(body, &list) == nil && len(list) > 0 {
			body = list[0]
		}
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return "", trimmed, ""
	}
	requestID = eb.RequestID

	if len(eb.Error) > 0 {
		var ne nestedError
		if json.Unmarshal(eb.Error, &ne) == nil {
			errType = ne.Type
			if errType == "" {
				errType = ne.Status
			}
			message = ne.Message
		} else {
			var s string
			if json.Unmarshal(eb.Error, &s) == nil {
				message = s
			}
		}
	}
	if errType == "" {
		errType = eb.AWSType
		if i := strings.LastIndexByte(errType, '#'); i >= 0 {
			errType = errType[i+1:]
		}
	}
	if message == "" {
		message = eb.Message
	}
	if message == "" {
		message = trimmed
	}
	return errType, message, requestID
}

// ParseHTTPError converts a non-2xx response into a typed error. The kind is
// derived from the status code, refined by the body's error type when the
// status alone is not conclusive.
func ParseHTTPError(provider, endpoint string, statusCode int, header http.Header, body []byte) *sdkerrors.Error {
	errType, message, requestID := parseErrorBody(body)
	if errType == "" {
		errType = header.Get("x-amzn-ErrorType")
	}

	kind := sdkerrors.FromStatus(statusCode)
	if kind == sdkerrors.KindUnknown {
		kind = KindForErrorType(errType)
	}
	if requestID == "" {
		requestID = requestIDFrom(header)
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	e := sdkerrors.New(kind, message).
		WithProvider(provider).
		WithEndpoint(endpoint).
		WithStatusCode(statusCode).
		WithRequestID(requestID)
	if d, ok := httputil.ParseRetryAfter(header, time.Now()); ok {
		e.WithRetryAfter(d)
	}
	return e
}

// StreamError converts an in-stream error payload into a typed error.
func StreamError(provider, errType, message string) *sdkerrors.Error {
	return sdkerrors.New(KindForErrorType(errType), message).WithProvider(provider)
}

// ClassifyTransportError maps a failure to reach the server into a typed
// error. callerCtx is the caller's context: its cancellation yields Cancelled
// and its deadline Timeout. Everything else, including an internal request
// timeout, is Transient.
func ClassifyTransportError(callerCtx context.Context, provider, endpoint string, err error) *sdkerrors.Error {
	var typed *sdkerrors.Error
	if stderrors.As(err, &typed) {
		return typed
	}

	kind := sdkerrors.KindTransient
	msg := "request failed"
	switch cerr := callerCtx.Err(); {
	case stderrors.Is(cerr, context.Canceled):
		kind, msg = sdkerrors.KindCancelled, "request cancelled"
	case stderrors.Is(cerr, context.DeadlineExceeded):
		kind, msg = sdkerrors.KindTimeout, "request deadline exceeded"
	}
	return sdkerrors.Wrap(kind, err, msg).WithProvider(provider).WithEndpoint(endpoint)
}
