// Package errors provides the error taxonomy shared by every turboclaude package.
//
// Error is the single error type surfaced by providers, the control protocol and
// sessions. Each error carries a Kind with a stable name, the provider and
// endpoint involved (when known), and an optional cause chain.
//
// Usage:
//
//	err := errors.New(errors.KindRateLimited, "too many requests").
//		WithProvider("anthropic").
//		WithEndpoint("POST /v1/messages").
//		WithStatusCode(429)
//	if errors.IsRetryable(err) { ... }
package errors

import (
	stderrors "errors"
	"strings"
	"time"
)

// Kind is the category of an Error. Its string value is stable and safe to
// match in tests and logs.
type Kind string

// Error kinds.
const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindAuthentication      Kind = "Authentication"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindNotFound            Kind = "NotFound"
	KindTransient           Kind = "Transient"
	KindRateLimited         Kind = "RateLimited"
	KindFeatureNotSupported Kind = "FeatureNotSupported"
	KindSerialization       Kind = "Serialization"
	KindProtocol            Kind = "Protocol"
	KindTimeout             Kind = "Timeout"
	KindCancelled           Kind = "Cancelled"
	KindTransportClosed     Kind = "TransportClosed"
	KindInterrupted         Kind = "Interrupted"
	KindUnknown             Kind = "Unknown"
)

// String returns the stable name of the kind.
func (k Kind) String() string {
	return string(k)
}

// Sentinels for use with errors.Is. Matching is by kind only.
var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrFeatureNotSupported = &Error{Kind: KindFeatureNotSupported}
	ErrSerialization       = &Error{Kind: KindSerialization}
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrTransportClosed     = &Error{Kind: KindTransportClosed}
	ErrInterrupted         = &Error{Kind: KindInterrupted}
	ErrUnknown             = &Error{Kind: KindUnknown}
)

// Error is a categorized error with provider and endpoint context.
type Error struct {
	// Kind is the error category.
	Kind Kind

	// Provider names the backend that produced the error (e.g. "anthropic", "bedrock").
	Provider string

	// Endpoint is the method and path involved, e.g. "POST /v1/messages".
	Endpoint string

	// StatusCode is the HTTP status code, when the error came from an HTTP response.
	StatusCode int

	// Message is the human readable description.
	Message string

	// RequestID is the server-assigned request identifier, if any.
	RequestID string

	// RetryAfter is the server-provided retry hint. Zero when absent.
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error returns "<Kind>: <provider> <endpoint>: <message>: <cause>", omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))

	location := strings.TrimSpace(e.Provider + " " + e.Endpoint)
	if location != "" {
		b.WriteString(": ")
		b.WriteString(location)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, enabling use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithProvider sets the provider name and returns the error.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithEndpoint sets the endpoint and returns the error.
func (e *Error) WithEndpoint(endpoint string) *Error {
	e.Endpoint = endpoint
	return e
}

// WithStatusCode sets the HTTP status code and returns the error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRequestID sets the server request id and returns the error.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithRetryAfter sets the retry hint and returns the error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// IsRetryable reports whether err is Transient or RateLimited.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the server retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if stderrors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromStatus maps an HTTP status code to a Kind.
func FromStatus(status int) Kind {
	switch {
	case status == 400:
		return KindInvalidRequest
	case status == 401:
		return KindAuthentication
	case status == 403:
		return KindPermissionDenied
	case status == 404:
		return KindNotFound
	case status == 408:
		return KindTransient
	case status == 429:
		return KindRateLimited
	case status >= 500 && status <= 599:
		return KindTransient
	default:
		return KindUnknown
	}
}
