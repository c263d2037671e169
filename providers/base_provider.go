package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/pkg/httputil"
	"github.com/Epistates/turboclaude-sub003/version"
)

// StreamFactory wraps an open 2xx response body in a FrameStream.
type StreamFactory func(ctx context.Context, provider, endpoint string, body io.ReadCloser) FrameStream

// BaseProvider provides the HTTP exchange shared by every backend. It should
// be embedded in concrete provider structs.
type BaseProvider struct {
	name           string
	baseURL        string
	client         *http.Client
	credential     credentials.Credential
	headers        http.Header
	requestTimeout time.Duration
}

// BaseOption configures a BaseProvider.
type BaseOption func(*BaseProvider)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) BaseOption {
	return func(b *BaseProvider) {
		if client != nil {
			b.client = client
		}
	}
}

// WithCredential sets the credential applied to every request.
func WithCredential(cred credentials.Credential) BaseOption {
	return func(b *BaseProvider) {
		if cred != nil {
			b.credential = cred
		}
	}
}

// WithDefaultHeaders adds headers sent with every request.
func WithDefaultHeaders(h map[string]string) BaseOption {
	return func(b *BaseProvider) {
		for k, v := range h {
			b.headers.Set(k, v)
		}
	}
}

// WithRequestTimeout bounds non-streaming calls. Zero disables the bound.
func WithRequestTimeout(d time.Duration) BaseOption {
	return func(b *BaseProvider) {
		b.requestTimeout = d
	}
}

// WithBaseURL overrides the base URL.
func WithBaseURL(u string) BaseOption {
	return func(b *BaseProvider) {
		if u != "" {
			b.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// NewBaseProvider creates a BaseProvider with the default HTTP client and a
// 30 second request timeout.
func NewBaseProvider(name, baseURL string, opts ...BaseOption) BaseProvider {
	b := BaseProvider{
		name:           name,
		baseURL:        strings.TrimRight(baseURL, "/"),
		credential:     credentials.NoOpCredential{},
		headers:        http.Header{},
		requestTimeout: httputil.DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.client == nil {
		b.client = httputil.NewHTTPClient(httputil.DefaultRequestTimeout)
	}
	return b
}

// Name returns the provider name.
func (b *BaseProvider) Name() string {
	return b.name
}

// BaseURL returns the base URL.
func (b *BaseProvider) BaseURL() string {
	return b.baseURL
}

// HTTPClient returns the underlying HTTP client.
func (b *BaseProvider) HTTPClient() *http.Client {
	return b.client
}

// Credential returns the configured credential.
func (b *BaseProvider) Credential() credentials.Credential {
	return b.credential
}

// Close closes the HTTP client's idle connections.
func (b *BaseProvider) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Fetch performs a call and reads the full response body. Non-2xx statuses
// are returned as typed errors.
func (b *BaseProvider) Fetch(ctx context.Context, method, url string, body []byte, header http.Header, endpoint string) (*Response, error) {
	callCtx := ctx
	if b.requestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
	}

	resp, err := b.send(ctx, callCtx, method, url, body, header, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransportError(ctx, b.name, endpoint, fmt.Errorf("read response: %w", err))
	}
	logger.APIResponse(ctx, b.name, resp.StatusCode, respBody, nil)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// Open performs a call and returns the open response body wrapped by
// factory. The body is not bounded by the request timeout; only the
// response headers are.
func (b *BaseProvider) Open(ctx context.Context, method, url string, body []byte, header http.Header, endpoint string, factory StreamFactory) (FrameStream, error) {
	resp, err := b.send(ctx, ctx, method, url, body, header, endpoint)
	if err != nil {
		return nil, err
	}
	logger.APIResponse(ctx, b.name, resp.StatusCode, nil, nil)
	return factory(ctx, b.name, endpoint, resp.Body), nil
}

// send builds, authenticates and performs the request. Non-2xx responses are
// drained, closed and converted to typed errors.
func (b *BaseProvider) send(callerCtx, ctx context.Context, method, url string, body []byte, header http.Header, endpoint string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindInvalidRequest, err, "build request").
			WithProvider(b.name).WithEndpoint(endpoint)
	}

	for k, vs := range b.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	if err := b.credential.Apply(ctx, req); err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindAuthentication, err, "apply credentials").
			WithProvider(b.name).WithEndpoint(endpoint)
	}

	logger.APIRequest(ctx, b.name, method, url, flattenHeaders(req.Header), body)

	resp, err := b.client.Do(req)
	if err != nil {
		terr := ClassifyTransportError(callerCtx, b.name, endpoint, err)
		logger.APIResponse(ctx, b.name, 0, nil, terr)
		return nil, terr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // NOSONAR: best-effort error body
		herr := ParseHTTPError(b.name, endpoint, resp.StatusCode, resp.Header, respBody)
		logger.APIResponse(ctx, b.name, resp.StatusCode, respBody, herr)
		return nil, herr
	}
	return resp, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
