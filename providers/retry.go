package providers

import (
	"context"
	"time"

	"github.com/Epistates/turboclaude-sub003/backoff"
	"github.com/Epistates/turboclaude-sub003/logger"
	prom "github.com/Epistates/turboclaude-sub003/metrics/prometheus"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

// WithRetry retries Transient and RateLimited failures using strategy. The
// sleep between attempts is max(backoff delay, server retry-after).
//
// Streaming calls are retried only while the connection is being
// established. Once a FrameStream has been returned no retry happens.
func WithRetry(strategy *backoff.Strategy) Middleware {
	return func(p Provider) Provider {
		return &retryProvider{wrapped: wrapped{p}, strategy: strategy}
	}
}

type retryProvider struct {
	wrapped
	strategy *backoff.Strategy
}

func (r *retryProvider) Request(ctx context.Context, req *Request) (*Response, error) {
	return backoff.Do(ctx, r.strategy, func(ctx context.Context) (*Response, error) {
		return r.Provider.Request(ctx, req)
	}, sdkerrors.IsRetryable, r.execOptions(ctx)...)
}

func (r *retryProvider) RequestStreaming(ctx context.Context, req *Request) (FrameStream, error) {
	return backoff.Do(ctx, r.strategy, func(ctx context.Context) (FrameStream, error) {
		return r.Provider.RequestStreaming(ctx, req)
	}, sdkerrors.IsRetryable, r.execOptions(ctx)...)
}

func (r *retryProvider) execOptions(ctx context.Context) []backoff.ExecOption {
	name := r.Name()
	return []backoff.ExecOption{
		backoff.WithMinDelay(sdkerrors.RetryAfterOf),
		backoff.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			kind := sdkerrors.KindOf(err).String()
			logger.Retry(ctx, name, attempt, delay, kind)
			prom.RecordRetry(name, kind)
		}),
	}
}
