package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by ApplyEnv.
const (
	EnvAPIKey        = "ANTHROPIC_API_KEY"
	EnvAuthToken     = "ANTHROPIC_AUTH_TOKEN"
	EnvBaseURL       = "ANTHROPIC_BASE_URL"
	EnvTimeout       = "ANTHROPIC_TIMEOUT"
	EnvMaxRetries    = "ANTHROPIC_MAX_RETRIES"
	EnvAWSRegion     = "AWS_REGION"
	EnvGoogleProject = "GOOGLE_CLOUD_PROJECT"
	EnvVertexRegion  = "VERTEX_REGION"
	EnvLogLevel      = "LOG_LEVEL"
)

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment values onto f. Environment values win over
// file values. A malformed numeric or duration value is an error.
func (f *File) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	c := &f.Client
	if v, ok := get(EnvAPIKey); ok {
		c.APIKey = v
	}
	if v, ok := get(EnvAuthToken); ok {
		c.AuthToken = v
	}
	if v, ok := get(EnvBaseURL); ok {
		c.BaseURL = v
	}
	if v, ok := get(EnvTimeout); ok {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Timeout = d
	}
	if v, ok := get(EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid retry count %q", EnvMaxRetries, v)
		}
		c.MaxRetries = &n
	}
	if v, ok := get(EnvAWSRegion); ok && c.Provider == ProviderBedrock {
		c.Region = v
	}
	if v, ok := get(EnvVertexRegion); ok && c.Provider == ProviderVertex {
		c.Region = v
	}
	if v, ok := get(EnvGoogleProject); ok && c.ProjectID == "" {
		c.ProjectID = v
	}
	if v, ok := get(EnvLogLevel); ok {
		f.Logging.Level = v
	}
	return nil
}

// parseTimeout accepts a Go duration ("45s") or a bare number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative timeout %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

// LoadDotEnv loads variables from .env files into the process environment
// without overriding variables that are already set. Missing files are
// skipped. With no paths, ".env" in the working directory is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}
