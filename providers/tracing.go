package providers

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/telemetry"
)

// WithTracing records a client span per provider call. A nil tp uses the
// global tracer provider.
func WithTracing(tp trace.TracerProvider) Middleware {
	return func(p Provider) Provider {
		return &tracingProvider{wrapped: wrapped{p}, tracer: telemetry.Tracer(tp)}
	}
}

type tracingProvider struct {
	wrapped
	tracer trace.Tracer
}

func (t *tracingProvider) start(ctx context.Context, req *Request, stream bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provider "+req.Endpoint(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			telemetry.AttrProvider.String(t.Name()),
			telemetry.AttrEndpoint.String(req.Endpoint()),
			telemetry.AttrStream.Bool(stream),
		),
	)
}

func endSpan(span trace.Span, statusCode int, err error) {
	if statusCode > 0 {
		span.SetAttributes(telemetry.AttrStatusCode.Int(statusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(telemetry.AttrErrorKind.String(sdkerrors.KindOf(err).String()))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *tracingProvider) Request(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := t.start(ctx, req, false)
	resp, err := t.Provider.Request(ctx, req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	} else if e := statusOf(err); e > 0 {
		status = e
	}
	endSpan(span, status, err)
	return resp, err
}

// RequestStreaming keeps the span open until the stream is closed.
func (t *tracingProvider) RequestStreaming(ctx context.Context, req *Request) (FrameStream, error) {
	ctx, span := t.start(ctx, req, true)
	fs, err := t.Provider.RequestStreaming(ctx, req)
	if err != nil {
		endSpan(span, statusOf(err), err)
		return nil, err
	}
	return &tracedStream{FrameStream: fs, span: span}, nil
}

type tracedStream struct {
	FrameStream
	span   trace.Span
	frames int
	ended  bool
}

func (s *tracedStream) Next() bool {
	ok := s.FrameStream.Next()
	if ok {
		s.frames++
	}
	return ok
}

func (s *tracedStream) Close() error {
	err := s.FrameStream.Close()
	if !s.ended {
		s.ended = true
		s.span.AddEvent("stream closed", trace.WithAttributes(telemetry.AttrStreamFrames.Int(s.frames)))
		endSpan(s.span, 0, s.FrameStream.Err())
	}
	return err
}

func statusOf(err error) int {
	var e *sdkerrors.Error
	if stderrors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
