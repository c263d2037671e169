package agent

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Epistates/turboclaude-sub003/hooks"
	"github.com/Epistates/turboclaude-sub003/pkg/config"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/transport"
)

// TransportFactory creates the transport for a session. It is called once
// per Connect, so a forked session gets its own agent process.
type TransportFactory func(cfg config.SessionConfig) (transport.Transport, error)

// options holds the configuration for a session.
// It is populated by Option functions passed to NewSession.
type options struct {
	session config.SessionConfig

	sessionID  string
	factory    TransportFactory
	hooks      *hooks.Registry
	permission PermissionHandler
	lifecycle  LifecycleHandler
	tracer     trace.TracerProvider

	permissionTimeout time.Duration
}

// Option configures a Session.
type Option func(*options) error

// WithConfig replaces the session settings. Zero fields take defaults.
//
//	file, _ := config.Load("turboclaude.yaml")
//	s, _ := agent.NewSession(agent.WithConfig(file.Session))
func WithConfig(cfg config.SessionConfig) Option {
	return func(o *options) error {
		o.session = mergeDefaults(cfg)
		return nil
	}
}

// WithModel sets the model used by queries that do not override it.
func WithModel(model string) Option {
	return func(o *options) error {
		o.session.Model = model
		return nil
	}
}

// WithPermissionMode sets the initial permission mode.
func WithPermissionMode(mode PermissionMode) Option {
	return func(o *options) error {
		if err := mode.Validate(); err != nil {
			return err
		}
		o.session.PermissionMode = string(mode)
		return nil
	}
}

// WithSystemPrompt sets the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *options) error {
		o.session.SystemPrompt = prompt
		return nil
	}
}

// WithMaxTokens sets the default response token limit.
func WithMaxTokens(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return sdkerrors.New(sdkerrors.KindInvalidRequest, "max tokens must be positive")
		}
		o.session.MaxTokens = n
		return nil
	}
}

// WithTools sets the tools the agent may use.
func WithTools(tools ...string) Option {
	return func(o *options) error {
		o.session.Tools = append([]string(nil), tools...)
		return nil
	}
}

// WithCLIPath sets the agent executable and its extra arguments.
//
//	s, _ := agent.NewSession(
//	    agent.WithCLIPath("/usr/local/bin/claude", "--output-format", "stream-json"),
//	)
func WithCLIPath(path string, args ...string) Option {
	return func(o *options) error {
		o.session.CLIPath = path
		o.session.Args = append([]string(nil), args...)
		return nil
	}
}

// WithWorkingDir sets the agent process working directory.
func WithWorkingDir(dir string) Option {
	return func(o *options) error {
		o.session.Cwd = dir
		return nil
	}
}

// WithEnv adds environment variables for the agent process.
func WithEnv(env map[string]string) Option {
	return func(o *options) error {
		if o.session.Env == nil {
			o.session.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.session.Env[k] = v
		}
		return nil
	}
}

// WithInheritEnv passes the whole parent environment to the agent process.
func WithInheritEnv() Option {
	return func(o *options) error {
		o.session.InheritEnv = true
		return nil
	}
}

// WithRequestTimeout bounds the wait for control responses.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.session.RequestTimeout = d
		return nil
	}
}

// WithShutdownTimeout bounds the wait for the agent to exit on Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.session.ShutdownTimeout = d
		return nil
	}
}

// WithMaxConcurrentQueries limits queries in flight at once.
func WithMaxConcurrentQueries(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return sdkerrors.New(sdkerrors.KindInvalidRequest, "max concurrent queries must be positive")
		}
		o.session.MaxConcurrentQueries = n
		return nil
	}
}

// WithSessionID sets the session identifier. A UUID is used by default.
func WithSessionID(id string) Option {
	return func(o *options) error {
		o.sessionID = id
		return nil
	}
}

// WithTransportFactory replaces the subprocess transport, for example to
// run the agent in-process or over a network stream.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) error {
		o.factory = f
		return nil
	}
}

// WithHooks uses an existing hook registry.
func WithHooks(r *hooks.Registry) Option {
	return func(o *options) error {
		o.hooks = r
		return nil
	}
}

// WithHook registers one hook for event.
//
//	s, _ := agent.NewSession(
//	    agent.WithHook(hooks.EventPreToolUse, hooks.Func("no-rm", blockRm), hooks.WithToolName("Bash")),
//	)
func WithHook(event string, h hooks.Hook, opts ...hooks.Option) Option {
	return func(o *options) error {
		if o.hooks == nil {
			o.hooks = hooks.NewRegistry()
		}
		_, err := o.hooks.Register(event, h, opts...)
		return err
	}
}

// WithPermissionHandler sets the permission callback.
func WithPermissionHandler(h PermissionHandler) Option {
	return func(o *options) error {
		o.permission = h
		return nil
	}
}

// WithPermissionTimeout bounds a single permission handler call.
func WithPermissionTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d > 0 {
			o.permissionTimeout = d
		}
		return nil
	}
}

// WithLifecycleHandler receives session lifecycle events.
func WithLifecycleHandler(h LifecycleHandler) Option {
	return func(o *options) error {
		o.lifecycle = h
		return nil
	}
}

// WithTracerProvider sets the tracer provider for query spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) error {
		o.tracer = tp
		return nil
	}
}

// mergeDefaults fills zero fields of cfg from config.DefaultSession.
func mergeDefaults(cfg config.SessionConfig) config.SessionConfig {
	d := config.DefaultSession()
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = d.PermissionMode
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.CLIPath == "" {
		cfg.CLIPath = d.CLIPath
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.MaxConcurrentQueries == 0 {
		cfg.MaxConcurrentQueries = d.MaxConcurrentQueries
	}
	return cfg
}

// subprocessFactory is the default TransportFactory.
func subprocessFactory(cfg config.SessionConfig) (transport.Transport, error) {
	return transport.NewSubprocess(transport.Config{
		Path:            cfg.CLIPath,
		Args:            cfg.Args,
		Env:             cfg.Env,
		InheritEnv:      cfg.InheritEnv,
		Dir:             cfg.Cwd,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}), nil
}
