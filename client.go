// Package turboclaude is a client for the Claude messages API over the
// vendor endpoint, AWS Bedrock or Google Vertex AI, and for driving a local
// agent process through the agent package.
//
//	client, err := turboclaude.New(ctx)
//	if err != nil { ... }
//	defer client.Close()
//	msg, err := client.Messages.Create(ctx, &types.MessageRequest{...})
package turboclaude

import (
	"context"
	"fmt"
	"io"

	"github.com/Epistates/turboclaude-sub003/backoff"
	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/logger"
	"github.com/Epistates/turboclaude-sub003/messages"
	"github.com/Epistates/turboclaude-sub003/models"
	"github.com/Epistates/turboclaude-sub003/pkg/config"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
	"github.com/Epistates/turboclaude-sub003/providers/anthropic"
	"github.com/Epistates/turboclaude-sub003/providers/bedrock"
	"github.com/Epistates/turboclaude-sub003/providers/vertex"
)

// Client bundles a provider stack with the resources served over it.
type Client struct {
	// Messages creates, streams and counts messages.
	Messages *messages.Service
	// Models lists the model catalog. Vendor backend only.
	Models *models.Service

	provider providers.Provider
}

// New builds a Client. Without options it talks to the vendor API with the
// key from ANTHROPIC_API_KEY.
//
// Calls pass through tracing, metrics, retry and rate limiting, in that
// order from the outside in.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	c := &clientConfig{file: config.Default().Client}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	base, err := c.backend(ctx)
	if err != nil {
		return nil, err
	}

	retries := config.DefaultMaxRetries
	if c.file.MaxRetries != nil {
		retries = *c.file.MaxRetries
	}
	bc := c.backoff
	if bc == (backoff.Config{}) {
		bc = backoff.DefaultConfig()
	}
	bc.MaxRetries = retries

	p := providers.Chain(base,
		providers.WithTracing(c.tracer),
		providers.WithMetrics(),
		providers.WithRetry(backoff.New(bc, c.backoffOpts...)),
		providers.WithRateLimit(c.file.RateLimit, c.file.RateBurst),
	)
	logger.Debug("client ready", "provider", base.Name(), "base_url", base.BaseURL(), "max_retries", retries)

	return &Client{
		Messages: messages.NewService(p,
			messages.WithTracerProvider(c.tracer),
			messages.WithDefaultModel(c.file.DefaultModel),
			messages.WithBetas(c.file.Betas...),
		),
		Models:   models.NewService(p),
		provider: p,
	}, nil
}

// NewFromFile loads a configuration file (empty means defaults only),
// overlays the environment and builds a Client from it. Options after the
// file override it.
func NewFromFile(ctx context.Context, filename string, opts ...Option) (*Client, error) {
	f, err := config.Load(filename)
	if err != nil {
		return nil, err
	}
	f.Logging.Apply()
	return New(ctx, append([]Option{WithConfig(f)}, opts...)...)
}

// backend builds the undecorated provider.
func (c *clientConfig) backend(ctx context.Context) (providers.Provider, error) {
	if c.provider != nil {
		return c.provider, nil
	}

	opts := []providers.BaseOption{
		providers.WithHTTPClient(c.httpClient),
		providers.WithDefaultHeaders(c.file.DefaultHeaders),
		providers.WithRequestTimeout(c.file.Timeout),
		providers.WithBaseURL(c.file.BaseURL),
	}

	switch c.file.Provider {
	case config.ProviderAnthropic, "":
		cred := c.credential
		if cred == nil && (c.file.APIKey != "" || c.file.AuthToken != "") {
			cred = credentials.ResolveVendor(c.file.APIKey, c.file.AuthToken, nil)
		}
		return anthropic.New(append(opts, providers.WithCredential(cred))...), nil

	case config.ProviderBedrock:
		return bedrock.New(ctx, c.file.Region, append(opts, providers.WithCredential(c.credential))...)

	case config.ProviderVertex:
		cred := c.credential
		if cred == nil && c.file.AuthToken != "" {
			cred = credentials.NewGCPCredentialFromToken(c.file.AuthToken)
		}
		return vertex.New(ctx, c.file.ProjectID, c.file.Region, append(opts, providers.WithCredential(cred))...)

	default:
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, fmt.Sprintf("unknown provider %q", c.file.Provider))
	}
}

// Provider returns the decorated provider stack.
func (c *Client) Provider() providers.Provider {
	return c.provider
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	if closer, ok := providers.Innermost(c.provider).(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
