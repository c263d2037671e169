// Package credentials provides request authentication for the three backends:
// vendor API keys and bearer tokens, AWS SigV4 signing for Bedrock, and GCP
// OAuth2 access tokens for Vertex AI.
package credentials

import (
	"context"
	"net/http"
)

// Credential types.
const (
	TypeAPIKey = "api_key"
	TypeBearer = "bearer"
	TypeAWS    = "aws"
	TypeGCP    = "gcp"
	TypeNone   = "none"
)

// Credential applies authentication to HTTP requests.
type Credential interface {
	// Apply adds authentication to the HTTP request. Implementations may read
	// the body through req.GetBody but must leave req.Body intact.
	Apply(ctx context.Context, req *http.Request) error

	// Type returns the credential type identifier ("api_key", "aws", "gcp", ...).
	Type() string
}

// APIKeyCredential implements header-based API key authentication.
type APIKeyCredential struct {
	apiKey     string
	headerName string
	prefix     string
	typ        string
}

// APIKeyOption configures an APIKeyCredential.
type APIKeyOption func(*APIKeyCredential)

// WithHeaderName sets the header name for the API key.
func WithHeaderName(name string) APIKeyOption {
	return func(c *APIKeyCredential) {
		c.headerName = name
	}
}

// WithPrefix sets a prefix written before the key, e.g. "Bearer ".
func WithPrefix(prefix string) APIKeyOption {
	return func(c *APIKeyCredential) {
		c.prefix = prefix
	}
}

// NewAPIKeyCredential creates an API key credential sent in the x-api-key header.
func NewAPIKeyCredential(apiKey string, opts ...APIKeyOption) *APIKeyCredential {
	c := &APIKeyCredential{
		apiKey:     apiKey,
		headerName: "x-api-key",
		typ:        TypeAPIKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewBearerCredential creates a credential sent as "Authorization: Bearer <token>".
func NewBearerCredential(token string) *APIKeyCredential {
	c := NewAPIKeyCredential(token, WithHeaderName("Authorization"), WithPrefix("Bearer "))
	c.typ = TypeBearer
	return c
}

// Apply adds the API key to the request header.
func (c *APIKeyCredential) Apply(_ context.Context, req *http.Request) error {
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.prefix+c.apiKey)
	}
	return nil
}

// Type returns "api_key" or "bearer".
func (c *APIKeyCredential) Type() string {
	return c.typ
}

// APIKey returns the raw key value.
func (c *APIKeyCredential) APIKey() string {
	return c.apiKey
}

// NoOpCredential is a credential that does nothing.
type NoOpCredential struct{}

// Apply does nothing.
func (NoOpCredential) Apply(_ context.Context, _ *http.Request) error {
	return nil
}

// Type returns "none".
func (NoOpCredential) Type() string {
	return TypeNone
}
