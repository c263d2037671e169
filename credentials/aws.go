package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	// DefaultAWSRegion is the fallback region when none is configured.
	DefaultAWSRegion = "us-east-1"

	bedrockSigningName = "bedrock"
)

// BedrockEndpoint returns the Bedrock runtime endpoint URL for a region.
func BedrockEndpoint(region string) string {
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}

// AWSCredential signs requests with AWS SigV4 for the Bedrock runtime.
type AWSCredential struct {
	provider aws.CredentialsProvider
	region   string
	signer   *v4.Signer
	now      func() time.Time
}

// NewAWSCredential creates a credential using the default AWS credential chain
// (environment, shared config, IRSA, instance profile). An empty region
// defers to the chain's region and then DefaultAWSRegion.
func NewAWSCredential(ctx context.Context, region string) (*AWSCredential, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = DefaultAWSRegion
	}

	return newAWSCredential(aws.NewCredentialsCache(cfg.Credentials), cfg.Region), nil
}

// NewAWSCredentialWithRole creates a credential that assumes roleARN via STS.
func NewAWSCredentialWithRole(ctx context.Context, region, roleARN string) (*AWSCredential, error) {
	if region == "" {
		region = DefaultAWSRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(cfg)
	provider := aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleARN))

	return newAWSCredential(provider, region), nil
}

// NewStaticAWSCredential creates a credential from explicit keys.
func NewStaticAWSCredential(region, accessKeyID, secretAccessKey, sessionToken string) *AWSCredential {
	if region == "" {
		region = DefaultAWSRegion
	}
	provider := awscreds.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)
	return newAWSCredential(provider, region)
}

func newAWSCredential(provider aws.CredentialsProvider, region string) *AWSCredential {
	return &AWSCredential{
		provider: provider,
		region:   region,
		signer:   v4.NewSigner(),
		now:      time.Now,
	}
}

// Apply signs the request using AWS SigV4.
func (c *AWSCredential) Apply(ctx context.Context, req *http.Request) error {
	creds, err := c.provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	payloadHash, err := hashBody(req)
	if err != nil {
		return err
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, bedrockSigningName, c.region, c.now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// Type returns "aws".
func (c *AWSCredential) Type() string {
	return TypeAWS
}

// Region returns the configured AWS region.
func (c *AWSCredential) Region() string {
	return c.region
}

// hashBody returns the hex SHA-256 of the request body without consuming it.
func hashBody(req *http.Request) (string, error) {
	h := sha256.New()
	switch {
	case req.GetBody != nil:
		body, err := req.GetBody()
		if err != nil {
			return "", fmt.Errorf("failed to read request body: %w", err)
		}
		defer body.Close()
		if _, err := io.Copy(h, body); err != nil {
			return "", fmt.Errorf("failed to hash request body: %w", err)
		}
	case req.Body != nil && req.Body != http.NoBody:
		return "", fmt.Errorf("request body must be replayable (GetBody) for SigV4 signing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
