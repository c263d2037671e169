// Package anthropic implements the direct vendor backend: API key (or bearer
// token) authentication, a version header, and model IDs passed through
// unchanged. Every endpoint is supported.
package anthropic

import (
	"context"
	"net/http"

	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/providers"
)

const (
	// ProviderName identifies this backend.
	ProviderName = "anthropic"

	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is sent in the anthropic-version header.
	APIVersion = "2023-06-01"

	headerVersion = "anthropic-version"
	headerBeta    = "anthropic-beta"
)

// Provider is the direct vendor backend.
type Provider struct {
	providers.BaseProvider
}

// Option configures a Provider.
type Option = providers.BaseOption

// New creates a Provider. Without WithCredential the key is read from
// ANTHROPIC_API_KEY, falling back to ANTHROPIC_AUTH_TOKEN as a bearer token.
func New(opts ...Option) *Provider {
	all := append([]Option{
		providers.WithCredential(credentials.ResolveVendor("", "", nil)),
	}, opts...)
	return &Provider{BaseProvider: providers.NewBaseProvider(ProviderName, DefaultBaseURL, all...)}
}

// SupportsBeta returns true.
func (p *Provider) SupportsBeta() bool {
	return true
}

func (p *Provider) headers(req *providers.Request, stream bool) http.Header {
	h := http.Header{}
	for k, vs := range req.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(headerVersion, APIVersion)
	if betas := providers.JoinBetas(req.Betas); betas != "" {
		h.Set(headerBeta, betas)
	}
	if stream {
		h.Set("Accept", "text/event-stream")
	}
	return h
}

func (p *Provider) url(req *providers.Request) string {
	u := p.BaseURL() + req.Path
	if req.Query != "" {
		u += "?" + req.Query
	}
	return u
}

// Request performs a vendor API call.
func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.Fetch(ctx, req.Method, p.url(req), req.Body, p.headers(req, false), req.Endpoint())
}

// RequestStreaming opens an SSE stream. The body must already carry "stream": true.
func (p *Provider) RequestStreaming(ctx context.Context, req *providers.Request) (providers.FrameStream, error) {
	return p.Open(ctx, req.Method, p.url(req), req.Body, p.headers(req, true), req.Endpoint(), providers.NewSSEStream)
}
