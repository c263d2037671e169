package credentials

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// gcpTokenRefreshBuffer is the time before token expiration to trigger a refresh.
	gcpTokenRefreshBuffer = 5 * time.Minute

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// VertexEndpoint returns the Vertex AI API root for a region. The "global"
// region has no regional host prefix.
func VertexEndpoint(region string) string {
	if region == "global" {
		return "https://aiplatform.googleapis.com/v1"
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", region)
}

// GCPCredential adds an OAuth2 bearer token for Vertex AI.
type GCPCredential struct {
	tokenSource oauth2.TokenSource
	mu          sync.RWMutex
	cachedToken *oauth2.Token
	now         func() time.Time
}

// NewGCPCredential creates a credential from Application Default Credentials
// (workload identity, service account key, gcloud auth).
func NewGCPCredential(ctx context.Context) (*GCPCredential, error) {
	tokenSource, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}
	return NewGCPCredentialFromTokenSource(tokenSource), nil
}

// NewGCPCredentialFromTokenSource wraps an existing token source.
func NewGCPCredentialFromTokenSource(ts oauth2.TokenSource) *GCPCredential {
	return &GCPCredential{tokenSource: ts, now: time.Now}
}

// NewGCPCredentialFromToken creates a credential from a fixed access token.
func NewGCPCredentialFromToken(accessToken string) *GCPCredential {
	return NewGCPCredentialFromTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

// Apply adds the OAuth2 token to the request.
func (c *GCPCredential) Apply(ctx context.Context, req *http.Request) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCP token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return nil
}

// Type returns "gcp".
func (c *GCPCredential) Type() string {
	return TypeGCP
}

// fresh reports whether a cached token can still be used. Tokens without an
// expiry never go stale.
func (c *GCPCredential) fresh(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || t.Expiry.After(c.now().Add(gcpTokenRefreshBuffer))
}

// getToken returns the cached token, refreshing when it is within the buffer of expiry.
func (c *GCPCredential) getToken(_ context.Context) (*oauth2.Token, error) {
	c.mu.RLock()
	if c.fresh(c.cachedToken) {
		token := c.cachedToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fresh(c.cachedToken) {
		return c.cachedToken, nil
	}

	token, err := c.tokenSource.Token()
	if err != nil {
		return nil, err
	}
	if c.fresh(token) {
		c.cachedToken = token
	}
	return token, nil
}
