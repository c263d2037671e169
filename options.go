package turboclaude

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Epistates/turboclaude-sub003/backoff"
	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/pkg/config"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
)

// clientConfig holds the configuration for a Client.
// It is populated by Option functions passed to New.
type clientConfig struct {
	file config.ClientConfig

	// Backend overrides
	provider   providers.Provider
	credential credentials.Credential
	httpClient *http.Client

	// Retry behaviour
	backoff     backoff.Config
	backoffOpts []backoff.Option

	// Observability
	tracer trace.TracerProvider
}

// Option configures a Client.
type Option func(*clientConfig) error

// WithConfig applies the client section of a configuration file. Options
// after it override individual fields.
//
//	file, _ := config.Load("turboclaude.yaml")
//	client, _ := turboclaude.New(ctx, turboclaude.WithConfig(file))
func WithConfig(f *config.File) Option {
	return func(c *clientConfig) error {
		if f == nil {
			return sdkerrors.New(sdkerrors.KindInvalidRequest, "config file is nil")
		}
		c.file = f.Client
		return nil
	}
}

// WithAPIKey sets the vendor API key instead of reading ANTHROPIC_API_KEY.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) error {
		c.file.APIKey = key
		return nil
	}
}

// WithAuthToken sets a bearer token. On Vertex it is used as the OAuth2
// access token.
func WithAuthToken(token string) Option {
	return func(c *clientConfig) error {
		c.file.AuthToken = token
		return nil
	}
}

// WithBaseURL overrides the backend's base URL.
func WithBaseURL(u string) Option {
	return func(c *clientConfig) error {
		c.file.BaseURL = u
		return nil
	}
}

// WithTimeout bounds each non-streaming call and the wait for response
// headers.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) error {
		if d < 0 {
			return sdkerrors.New(sdkerrors.KindInvalidRequest, "timeout must not be negative")
		}
		c.file.Timeout = d
		return nil
	}
}

// WithMaxRetries sets the retry budget. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(c *clientConfig) error {
		if n < 0 {
			return sdkerrors.New(sdkerrors.KindInvalidRequest, "max retries must not be negative")
		}
		c.file.MaxRetries = &n
		return nil
	}
}

// WithDefaultModel sets the model used when a request leaves it empty.
func WithDefaultModel(model string) Option {
	return func(c *clientConfig) error {
		c.file.DefaultModel = model
		return nil
	}
}

// WithDefaultHeaders adds headers sent with every request.
func WithDefaultHeaders(h map[string]string) Option {
	return func(c *clientConfig) error {
		if c.file.DefaultHeaders == nil {
			c.file.DefaultHeaders = make(map[string]string, len(h))
		}
		for k, v := range h {
			c.file.DefaultHeaders[k] = v
		}
		return nil
	}
}

// WithBetas enables beta features on backends that support them.
func WithBetas(betas ...string) Option {
	return func(c *clientConfig) error {
		c.file.Betas = append(c.file.Betas, betas...)
		return nil
	}
}

// WithBedrock selects the AWS Bedrock backend in region. An empty region
// falls back to AWS_REGION.
//
//	client, _ := turboclaude.New(ctx, turboclaude.WithBedrock("us-west-2"))
func WithBedrock(region string) Option {
	return func(c *clientConfig) error {
		c.file.Provider = config.ProviderBedrock
		c.file.Region = region
		return nil
	}
}

// WithVertex selects the Google Vertex AI backend.
func WithVertex(project, region string) Option {
	return func(c *clientConfig) error {
		c.file.Provider = config.ProviderVertex
		c.file.ProjectID = project
		c.file.Region = region
		return nil
	}
}

// WithProvider uses a custom backend. The retry, rate limit, metrics and
// tracing middleware still wrap it.
func WithProvider(p providers.Provider) Option {
	return func(c *clientConfig) error {
		c.provider = p
		return nil
	}
}

// WithCredential replaces the backend's default credential.
func WithCredential(cred credentials.Credential) Option {
	return func(c *clientConfig) error {
		c.credential = cred
		return nil
	}
}

// WithHTTPClient sets the HTTP client used by the built-in backends.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) error {
		c.httpClient = client
		return nil
	}
}

// WithRateLimit caps outbound calls at rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *clientConfig) error {
		c.file.RateLimit = rps
		c.file.RateBurst = burst
		return nil
	}
}

// WithBackoff tunes the retry delays. MaxRetries is taken from
// WithMaxRetries.
func WithBackoff(cfg backoff.Config, opts ...backoff.Option) Option {
	return func(c *clientConfig) error {
		c.backoff = cfg
		c.backoffOpts = append(c.backoffOpts, opts...)
		return nil
	}
}

// WithTracerProvider sets the tracer provider for provider and messages
// spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *clientConfig) error {
		c.tracer = tp
		return nil
	}
}
