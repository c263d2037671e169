// Package providers defines the backend abstraction shared by the vendor,
// Bedrock and Vertex implementations, along with the HTTP plumbing, stream
// framing and middleware (retry, rate limiting, tracing, metrics) that wrap
// any Provider.
package providers

import (
	"context"
	"net/http"
	"strings"
)

// Canonical endpoint paths. Backends translate these to their own URLs.
const (
	PathMessages    = "/v1/messages"
	PathCountTokens = "/v1/messages/count_tokens"
	PathBatches     = "/v1/messages/batches"
	PathModels      = "/v1/models"
)

// Request is a canonical API call. Body is the vendor-format JSON body; each
// backend rewrites it for its own wire format.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Header http.Header
	Betas  []string
}

// Endpoint returns "METHOD /path" for logs, errors and metrics.
func (r *Request) Endpoint() string {
	return r.Method + " " + r.Path
}

// Clone returns a copy safe to mutate.
func (r *Request) Clone() *Request {
	c := *r
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	if r.Betas != nil {
		c.Betas = append([]string(nil), r.Betas...)
	}
	return &c
}

// Response is a successful (2xx) API response with the body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestID returns the server request identifier, if any.
func (r *Response) RequestID() string {
	return requestIDFrom(r.Header)
}

// Frame is one event of a streamed response. Event may be empty when the
// transport carries only payloads; the payload's "type" field then names it.
type Frame struct {
	Event string
	Data  []byte
}

// FrameStream is a single-pass sequence of frames read from an open response.
// Callers must Close it.
type FrameStream interface {
	// Next advances to the next frame, blocking on the network. It returns
	// false at end of stream or on error.
	Next() bool
	// Frame returns the current frame.
	Frame() Frame
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases the underlying connection.
	Close() error
}

// Provider is one HTTP backend for the messages API.
type Provider interface {
	// Name identifies the backend ("anthropic", "bedrock", "vertex").
	Name() string

	// BaseURL returns the root URL requests are sent to.
	BaseURL() string

	// SupportsBeta reports whether anthropic-beta headers are honoured.
	SupportsBeta() bool

	// Request performs a call and reads the whole response. Non-2xx statuses
	// return a *errors.Error.
	Request(ctx context.Context, req *Request) (*Response, error)

	// RequestStreaming performs a call and returns the open event stream.
	RequestStreaming(ctx context.Context, req *Request) (FrameStream, error)
}

func requestIDFrom(h http.Header) string {
	for _, k := range []string{"request-id", "x-request-id", "x-amzn-requestid"} {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// JoinBetas renders beta flags as a comma separated header value.
func JoinBetas(betas []string) string {
	out := make([]string, 0, len(betas))
	for _, b := range betas {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return strings.Join(out, ",")
}
