package credentials

import (
	"context"
	"os"
	"strings"
)

// Environment variables consulted by the resolvers.
const (
	EnvAPIKey         = "ANTHROPIC_API_KEY"
	EnvAuthToken      = "ANTHROPIC_AUTH_TOKEN"
	EnvAWSRegion      = "AWS_REGION"
	EnvAWSDefRegion   = "AWS_DEFAULT_REGION"
	EnvGoogleProject  = "GOOGLE_CLOUD_PROJECT"
	EnvVertexRegion   = "VERTEX_REGION"
	EnvCloudMLRegion  = "CLOUD_ML_REGION"
	DefaultVertexZone = "us-east5"
)

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

func firstEnv(lookup LookupFunc, keys ...string) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, k := range keys {
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ResolveVendor returns the vendor credential: an explicit key wins, then
// ANTHROPIC_API_KEY, then ANTHROPIC_AUTH_TOKEN as a bearer token. When
// nothing is configured it returns a NoOpCredential.
func ResolveVendor(apiKey, authToken string, lookup LookupFunc) Credential {
	if apiKey != "" {
		return NewAPIKeyCredential(apiKey)
	}
	if authToken != "" {
		return NewBearerCredential(authToken)
	}
	if key := firstEnv(lookup, EnvAPIKey); key != "" {
		return NewAPIKeyCredential(key)
	}
	if token := firstEnv(lookup, EnvAuthToken); token != "" {
		return NewBearerCredential(token)
	}
	return NoOpCredential{}
}

// ResolveAWSRegion returns region, or AWS_REGION, AWS_DEFAULT_REGION, then DefaultAWSRegion.
func ResolveAWSRegion(region string, lookup LookupFunc) string {
	if region != "" {
		return region
	}
	if r := firstEnv(lookup, EnvAWSRegion, EnvAWSDefRegion); r != "" {
		return r
	}
	return DefaultAWSRegion
}

// ResolveVertexRegion returns region, or VERTEX_REGION, CLOUD_ML_REGION, then DefaultVertexZone.
func ResolveVertexRegion(region string, lookup LookupFunc) string {
	if region != "" {
		return region
	}
	if r := firstEnv(lookup, EnvVertexRegion, EnvCloudMLRegion); r != "" {
		return r
	}
	return DefaultVertexZone
}

// ResolveVertexProject returns project or GOOGLE_CLOUD_PROJECT.
func ResolveVertexProject(project string, lookup LookupFunc) string {
	if project != "" {
		return project
	}
	return firstEnv(lookup, EnvGoogleProject)
}

// ResolveGCP returns a credential for a fixed access token, or Application
// Default Credentials when token is empty.
func ResolveGCP(ctx context.Context, accessToken string) (Credential, error) {
	if accessToken != "" {
		return NewGCPCredentialFromToken(accessToken), nil
	}
	return NewGCPCredential(ctx)
}
