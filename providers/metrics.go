package providers

import (
	"context"
	"time"

	prom "github.com/Epistates/turboclaude-sub003/metrics/prometheus"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

const statusSuccess = "success"

// WithMetrics records call counts and latency in the Prometheus collectors.
// Streaming calls are measured until the stream is closed.
func WithMetrics() Middleware {
	return func(p Provider) Provider {
		return &metricsProvider{wrapped: wrapped{p}}
	}
}

type metricsProvider struct {
	wrapped
}

func metricStatus(err error) string {
	if err == nil {
		return statusSuccess
	}
	return sdkerrors.KindOf(err).String()
}

func (m *metricsProvider) Request(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := m.Provider.Request(ctx, req)
	prom.RecordProviderRequest(m.Name(), req.Endpoint(), metricStatus(err), time.Since(start).Seconds())
	return resp, err
}

func (m *metricsProvider) RequestStreaming(ctx context.Context, req *Request) (FrameStream, error) {
	start := time.Now()
	fs, err := m.Provider.RequestStreaming(ctx, req)
	if err != nil {
		prom.RecordProviderRequest(m.Name(), req.Endpoint(), metricStatus(err), time.Since(start).Seconds())
		return nil, err
	}
	return &measuredStream{FrameStream: fs, provider: m.Name(), endpoint: req.Endpoint(), start: start}, nil
}

type measuredStream struct {
	FrameStream
	provider string
	endpoint string
	start    time.Time
	recorded bool
}

func (s *measuredStream) Close() error {
	err := s.FrameStream.Close()
	if !s.recorded {
		s.recorded = true
		prom.RecordProviderRequest(s.provider, s.endpoint, metricStatus(s.FrameStream.Err()), time.Since(s.start).Seconds())
	}
	return err
}
