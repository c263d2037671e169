package providers

import (
	"context"

	"golang.org/x/time/rate"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

// WithRateLimit limits outbound calls with a token bucket of rps requests
// per second and the given burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Middleware {
	return func(p Provider) Provider {
		if rps <= 0 {
			return p
		}
		if burst < 1 {
			burst = 1
		}
		return &rateLimitProvider{wrapped: wrapped{p}, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimitProvider struct {
	wrapped
	limiter *rate.Limiter
}

func (r *rateLimitProvider) wait(ctx context.Context, req *Request) error {
	if err := r.limiter.Wait(ctx); err != nil {
		kind := sdkerrors.KindCancelled
		if ctx.Err() == nil {
			// Wait fails fast when the deadline would pass before a token.
			kind = sdkerrors.KindTimeout
		}
		return sdkerrors.Wrap(kind, err, "rate limiter").WithProvider(r.Name()).WithEndpoint(req.Endpoint())
	}
	return nil
}

func (r *rateLimitProvider) Request(ctx context.Context, req *Request) (*Response, error) {
	if err := r.wait(ctx, req); err != nil {
		return nil, err
	}
	return r.Provider.Request(ctx, req)
}

func (r *rateLimitProvider) RequestStreaming(ctx context.Context, req *Request) (FrameStream, error) {
	if err := r.wait(ctx, req); err != nil {
		return nil, err
	}
	return r.Provider.RequestStreaming(ctx, req)
}
