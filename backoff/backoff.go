// Package backoff computes exponential retry delays with bounded jitter and
// drives retryable operations to completion or exhaustion.
//
// delay(n) = min(Cap, Base * Multiplier^n) * (1 + U(-Jitter, +Jitter))
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

// Defaults.
const (
	DefaultBase       = 500 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultCap        = 60 * time.Second
	DefaultJitter     = 0.10
	DefaultMaxRetries = 3
)

// Config holds backoff parameters. Zero values are replaced by defaults in New,
// except MaxRetries where a negative value disables retries.
type Config struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64

	// Cap bounds the un-jittered delay.
	Cap time.Duration

	// Jitter is the relative jitter amplitude, in [0, 1).
	Jitter float64

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		Base:       DefaultBase,
		Multiplier: DefaultMultiplier,
		Cap:        DefaultCap,
		Jitter:     DefaultJitter,
		MaxRetries: DefaultMaxRetries,
	}
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = DefaultBase
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Cap <= 0 {
		c.Cap = DefaultCap
	}
	if c.Cap < c.Base {
		c.Cap = c.Base
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Strategy computes delays and executes retryable operations. It is safe for
// concurrent use.
type Strategy struct {
	cfg   Config
	rand  func() float64
	sleep Sleeper
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithRand replaces the uniform [0,1) random source used for jitter.
func WithRand(fn func() float64) Option {
	return func(s *Strategy) {
		s.rand = fn
	}
}

// WithSleeper replaces the sleep function used between attempts.
func WithSleeper(fn Sleeper) Option {
	return func(s *Strategy) {
		s.sleep = fn
	}
}

// New creates a Strategy. Unset fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *Strategy {
	s := &Strategy{
		cfg:   cfg.withDefaults(),
		rand:  rand.Float64,
		sleep: Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Strategy) Config() Config {
	return s.cfg
}

// Delay returns the jittered delay before retry number attempt (0-based).
func (s *Strategy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(s.cfg.Base) * math.Pow(s.cfg.Multiplier, float64(attempt))
	if raw > float64(s.cfg.Cap) || math.IsInf(raw, 0) || math.IsNaN(raw) {
		raw = float64(s.cfg.Cap)
	}
	factor := 1 + s.cfg.Jitter*(2*s.rand()-1)
	return time.Duration(raw * factor)
}

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

type execOptions struct {
	minDelay func(error) time.Duration
	onRetry  func(attempt int, delay time.Duration, err error)
}

// ExecOption configures a single Execute call.
type ExecOption func(*execOptions)

// WithMinDelay sets a floor for the sleep after a failure, e.g. a server
// retry-after hint. The sleep is max(Delay(attempt), fn(err)).
func WithMinDelay(fn func(error) time.Duration) ExecOption {
	return func(o *execOptions) {
		o.minDelay = fn
	}
}

// WithOnRetry registers a callback invoked before each sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) ExecOption {
	return func(o *execOptions) {
		o.onRetry = fn
	}
}

// Execute runs op, retrying while isRetryable(err) is true and retries remain.
// The last error is returned on exhaustion. If ctx is cancelled while waiting
// the call returns immediately with a Cancelled error.
func (s *Strategy) Execute(ctx context.Context, op Operation, isRetryable func(error) bool, opts ...ExecOption) error {
	o := execOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if isRetryable == nil || !isRetryable(err) || attempt >= s.cfg.MaxRetries {
			return err
		}

		delay := s.Delay(attempt)
		if o.minDelay != nil {
			if floor := o.minDelay(err); floor > delay {
				delay = floor
			}
		}
		if o.onRetry != nil {
			o.onRetry(attempt+1, delay, err)
		}
		if serr := s.sleep(ctx, delay); serr != nil {
			return cancelled(serr)
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, s *Strategy, op func(ctx context.Context) (T, error), isRetryable func(error) bool, opts ...ExecOption) (T, error) {
	var result T
	err := s.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, isRetryable, opts...)
	return result, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cancelled(cause error) error {
	return sdkerrors.Wrap(sdkerrors.KindCancelled, cause, "retry aborted")
}
