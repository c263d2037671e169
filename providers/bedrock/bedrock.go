// Package bedrock implements the AWS Bedrock backend. Requests are signed
// with SigV4, the model moves from the body into the URL path, and streamed
// responses arrive as AWS binary event-stream frames.
package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Epistates/turboclaude-sub003/credentials"
	"github.com/Epistates/turboclaude-sub003/logger"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
)

const (
	// ProviderName identifies this backend.
	ProviderName = "bedrock"

	// APIVersion is injected into every request body.
	APIVersion = "bedrock-2023-05-31"

	modelPrefix = "anthropic."
)

// NormalizeModelID rewrites a short model ID to the Bedrock-qualified form:
//
//	claude-3-5-sonnet-20241022          -> anthropic.claude-3-5-sonnet-20241022-v2:0
//	claude-3-haiku-20240307             -> anthropic.claude-3-haiku-20240307-v1:0
//	claude-3-opus-20240229-v1:0         -> anthropic.claude-3-opus-20240229-v1:0
//	anthropic.claude-3-haiku-...-v1:0   -> unchanged
func NormalizeModelID(model string) string {
	switch {
	case strings.HasPrefix(model, modelPrefix):
		return model
	case strings.Contains(model, ":"):
		return modelPrefix + model
	case strings.Contains(model, "3-5-sonnet-20241022"):
		return modelPrefix + model + "-v2:0"
	default:
		return modelPrefix + model + "-v1:0"
	}
}

// Provider is the Bedrock backend.
type Provider struct {
	providers.BaseProvider
	region string
}

// New creates a Provider for region (falling back to AWS_REGION, then
// us-east-1). Without WithCredential the default AWS credential chain is used.
func New(ctx context.Context, region string, opts ...providers.BaseOption) (*Provider, error) {
	region = credentials.ResolveAWSRegion(region, nil)
	base := providers.NewBaseProvider(ProviderName, credentials.BedrockEndpoint(region), opts...)

	if _, none := base.Credential().(credentials.NoOpCredential); none {
		cred, err := credentials.NewAWSCredential(ctx, region)
		if err != nil {
			return nil, sdkerrors.Wrap(sdkerrors.KindAuthentication, err, "load AWS credentials").WithProvider(ProviderName)
		}
		base = providers.NewBaseProvider(ProviderName, credentials.BedrockEndpoint(region),
			append([]providers.BaseOption{providers.WithCredential(cred)}, opts...)...)
	}
	return &Provider{BaseProvider: base, region: region}, nil
}

// Region returns the AWS region.
func (p *Provider) Region() string {
	return p.region
}

// SupportsBeta returns false; anthropic-beta headers are dropped.
func (p *Provider) SupportsBeta() bool {
	return false
}

// translate converts a canonical messages call into a Bedrock invoke call.
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
	delete(env, "stream")
	env.SetString("anthropic_version", APIVersion)

	body, err := env.Encode()
	if err != nil {
		return "", nil, nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "encode request body").WithProvider(ProviderName)
	}

	action := "/invoke"
	if stream {
		action = "/invoke-with-response-stream"
	}
	// ':' is sent percent-encoded so the signer's canonical path matches AWS.
	modelID := strings.ReplaceAll(NormalizeModelID(model), ":", "%3A")
	url := p.BaseURL() + "/model/" + modelID + action

	h := http.Header{}
	for k, vs := range req.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Del("anthropic-beta")
	h.Del("anthropic-version")
	if len(req.Betas) > 0 {
		logger.Debug("bedrock ignores beta flags", "betas", req.Betas)
	}
	if stream {
		h.Set("Accept", "application/vnd.amazon.eventstream")
	}
	return url, body, h, nil
}

// Request performs an InvokeModel call.
func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	url, body, h, err := p.translate(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.Fetch(ctx, req.Method, url, body, h, req.Endpoint())
	if err != nil {
		return nil, err
	}
	if err := checkBodyError(req.Endpoint(), resp.Body); err != nil {
		return nil, err
	}
	return resp, nil
}

// RequestStreaming performs an InvokeModelWithResponseStream call.
func (p *Provider) RequestStreaming(ctx context.Context, req *providers.Request) (providers.FrameStream, error) {
	url, body, h, err := p.translate(req, true)
	if err != nil {
		return nil, err
	}
	return p.Open(ctx, req.Method, url, body, h, req.Endpoint(), providers.NewEventStream)
}

// checkBodyError detects Bedrock errors returned with HTTP 200 status.
func checkBodyError(endpoint string, body []byte) error {
	if !strings.Contains(string(body), "Exception") {
		return nil
	}
	var errResp struct {
		Message string `json:"Message"`
		Type    string `json:"__type"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Type == "" {
		return nil
	}
	return providers.StreamError(ProviderName, errResp.Type, errResp.Message).WithEndpoint(endpoint)
}
