// Package config loads turboclaude client and session settings from YAML
// files, .env files and the process environment.
package config

import (
	"fmt"
	"time"
)

// Provider backends.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderVertex    = "vertex"
)

// Permission modes.
const (
	PermissionDefault     = "default"
	PermissionPlan        = "plan"
	PermissionAcceptEdits = "accept_edits"
	PermissionBypass      = "bypass_permissions"
)

// Defaults.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultModel                = "claude-sonnet-4-5"
	DefaultMaxTokens            = 4096
	DefaultControlTimeout       = 30 * time.Second
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultMaxConcurrentQueries = 8
	DefaultCLIPath              = "claude"
)

// File is the top-level configuration document.
type File struct {
	Client  ClientConfig  `yaml:"client"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	Provider       string            `yaml:"provider"`
	APIKey         string            `yaml:"api_key"`
	AuthToken      string            `yaml:"auth_token"`
	BaseURL        string            `yaml:"base_url"`
	Timeout        time.Duration     `yaml:"timeout"`
	MaxRetries     *int              `yaml:"max_retries"`
	DefaultModel   string            `yaml:"default_model"`
	DefaultHeaders map[string]string `yaml:"default_headers"`
	Betas          []string          `yaml:"betas"`
	Region         string            `yaml:"region"`
	ProjectID      string            `yaml:"project_id"`
	RateLimit      float64           `yaml:"rate_limit"`
	RateBurst      int               `yaml:"rate_burst"`
}

// SessionConfig configures an agent session.
type SessionConfig struct {
	Model                string            `yaml:"model"`
	PermissionMode       string            `yaml:"permission_mode"`
	SystemPrompt         string            `yaml:"system_prompt"`
	MaxTokens            int               `yaml:"max_tokens"`
	Tools                []string          `yaml:"tools"`
	Cwd                  string            `yaml:"cwd"`
	Env                  map[string]string `yaml:"env"`
	InheritEnv           bool              `yaml:"inherit_env"`
	CLIPath              string            `yaml:"cli_path"`
	Args                 []string          `yaml:"args"`
	RequestTimeout       time.Duration     `yaml:"request_timeout"`
	ShutdownTimeout      time.Duration     `yaml:"shutdown_timeout"`
	MaxConcurrentQueries int               `yaml:"max_concurrent_queries"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a File with every default applied.
func Default() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

// DefaultSession returns the session settings of Default.
func DefaultSession() SessionConfig {
	return Default().Session
}

func (f *File) applyDefaults() {
	c := &f.Client
	if c.Provider == "" {
		c.Provider = ProviderAnthropic
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == nil {
		n := DefaultMaxRetries
		c.MaxRetries = &n
	}
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}

	s := &f.Session
	if s.Model == "" {
		s.Model = c.DefaultModel
	}
	if s.PermissionMode == "" {
		s.PermissionMode = PermissionDefault
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.CLIPath == "" {
		s.CLIPath = DefaultCLIPath
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultControlTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxConcurrentQueries == 0 {
		s.MaxConcurrentQueries = DefaultMaxConcurrentQueries
	}
}

// Validate checks values the schema cannot express.
func (f *File) Validate() error {
	switch f.Client.Provider {
	case ProviderAnthropic, ProviderBedrock, ProviderVertex:
	default:
		return &ValidationError{Field: "client.provider", Message: "must be one of: anthropic, bedrock, vertex", Value: f.Client.Provider}
	}
	if f.Client.Timeout < 0 {
		return &ValidationError{Field: "client.timeout", Message: "must not be negative", Value: f.Client.Timeout.String()}
	}
	if f.Client.MaxRetries != nil && *f.Client.MaxRetries < 0 {
		return &ValidationError{Field: "client.max_retries", Message: "must not be negative", Value: fmt.Sprint(*f.Client.MaxRetries)}
	}
	switch f.Session.PermissionMode {
	case PermissionDefault, PermissionPlan, PermissionAcceptEdits, PermissionBypass:
	default:
		return &ValidationError{
			Field:   "session.permission_mode",
			Message: "must be one of: default, plan, accept_edits, bypass_permissions",
			Value:   f.Session.PermissionMode,
		}
	}
	if f.Session.MaxTokens < 0 {
		return &ValidationError{Field: "session.max_tokens", Message: "must be positive", Value: fmt.Sprint(f.Session.MaxTokens)}
	}
	if f.Session.MaxConcurrentQueries < 0 {
		return &ValidationError{Field: "session.max_concurrent_queries", Message: "must be positive", Value: fmt.Sprint(f.Session.MaxConcurrentQueries)}
	}
	return nil
}

// ValidationError is a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Value   string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return "config validation error: " + e.Field + ": " + e.Message + " (got: " + e.Value + ")"
	}
	return "config validation error: " + e.Field + ": " + e.Message
}
