// Package vertex implements the Google Vertex AI backend. Requests carry an
// OAuth2 bearer token, the model moves from the body into the URL, and
// responses stream as SSE from the streamRawPredict method.
package vertex

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
)

const (
	// ProviderName identifies this backend.
	ProviderName = "vertex"

	// APIVersion is injected into every request body.
	APIVersion = "vertex-2023-10-16"
)

var dateSuffix = regexp.MustCompile(`-(\d{8})$`)

// NormalizeModelID rewrites a dated model ID to the Vertex "@date" form:
//
//	claude-3-5-sonnet-20241022 -> claude-3-5-sonnet-v2@20241022
//	claude-3-haiku-20240307    -> claude-3-haiku@20240307
//	claude-3-haiku@20240307    -> unchanged
func NormalizeModelID(model string) string {
	if strings.Contains(model, "@") {
		return model
	}
	m := dateSuffix.FindStringSubmatchIndex(model)
	if m == nil {
		return model
	}
	name, date := model[:m[0]], model[m[2]:m[3]]
	if name == "claude-3-5-sonnet" && date == "20241022" {
		name += "-v2"
	}
	return name + "@" + date
}

// Provider is the Vertex AI backend.
type Provider struct {
	providers.BaseProvider
	project string
	region  string
}

// New creates a Provider for a GCP project and region. The project falls
// back to GOOGLE_CLOUD_PROJECT and the region to CLOUD_ML_REGION, then
// us-east5. Without WithCredential, Application Default Credentials are used.
func New(ctx context.Context, project, region string, opts ...providers.BaseOption) (*Provider, error) {
	project = credentials.ResolveVertexProject(project, nil)
	if project == "" {
		return nil, sdkerrors.New(sdkerrors.KindInvalidRequest, "vertex: project ID is required").WithProvider(ProviderName)
	}
	region = credentials.ResolveVertexRegion(region, nil)

	base := providers.NewBaseProvider(ProviderName, credentials.VertexEndpoint(region), opts...)
	if _, none := base.Credential().(credentials.NoOpCredential); none {
		cred, err := credentials.NewGCPCredential(ctx)
		if err != nil {
			return nil, sdkerrors.Wrap(sdkerrors.KindAuthentication, err, "load GCP credentials").WithProvider(ProviderName)
		}
		base = providers.NewBaseProvider(ProviderName, credentials.VertexEndpoint(region),
			append([]providers.BaseOption{providers.WithCredential(cred)}, opts...)...)
	}
	return &Provider{BaseProvider: base, project: project, region: region}, nil
}

// Project returns the GCP project ID.
func (p *Provider) Project() string {
	return p.project
}

// Region returns the Vertex region.
func (p *Provider) Region() string {
	return p.region
}

// SupportsBeta returns false; anthropic-beta headers are dropped.
func (p *Provider) SupportsBeta() bool {
	return false
}

func (p *Provider) translate(req *providers.Request, stream bool) (string, []byte, http.Header, error) {
	if req.Method != http.MethodPost || req.Path != providers.PathMessages {
		return "", nil, nil, providers.Unsupported(ProviderName, req)
	}

	env, err := providers.DecodeEnvelope(ProviderName, req.Body)
	if err != nil {
		return "", nil, nil, err
	}
	model, ok := env.TakeString("model")
	if !ok || model == "" {
		return "", nil, nil, sdkerrors.New(sdkerrors.KindInvalidRequest, "model is required").
			WithProvider(ProviderName).WithEndpoint(req.Endpoint())
	}
	env.SetString("anthropic_version", APIVersion)

	body, err := env.Encode()
	if err != nil {
		return "", nil, nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "encode request body").WithProvider(ProviderName)
	}

	method := "rawPredict"
	if stream {
		method = "streamRawPredict"
	}
	url := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		p.BaseURL(), p.project, p.region, NormalizeModelID(model), method)

	h := http.Header{}
	for k, vs := range req.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Del("anthropic-beta")
	h.Del("anthropic-version")
	if len(req.Betas) > 0 {
		logger.Debug("vertex ignores beta flags", "betas", req.Betas)
	}
	if stream {
		h.Set("Accept", "text/event-stream")
	}
	return url, body, h, nil
}

// Request performs a rawPredict call.
func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	url, body, h, err := p.translate(req, false)
	if err != nil {
		return nil, err
	}
	return p.Fetch(ctx, req.Method, url, body, h, req.Endpoint())
}

// RequestStreaming performs a streamRawPredict call.
func (p *Provider) RequestStreaming(ctx context.Context, req *providers.Request) (providers.FrameStream, error) {
	url, body, h, err := p.translate(req, true)
	if err != nil {
		return nil, err
	}
	return p.Open(ctx, req.Method, url, body, h, req.Endpoint(), providers.NewSSEStream)
}
