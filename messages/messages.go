// Package messages implements the messages resource: create, stream and
// count_tokens on top of any providers.Provider.
package messages

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Epistates/turboclaude-sub003/logger"
	prom "github.com/Epistates/turboclaude-sub003/metrics/prometheus"
	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
	"github.com/Epistates/turboclaude-sub003/providers"
	"github.com/Epistates/turboclaude-sub003/streaming"
	"github.com/Epistates/turboclaude-sub003/telemetry"
	"github.com/Epistates/turboclaude-sub003/types"
)

// Service exposes the messages endpoints.
type Service struct {
	provider     providers.Provider
	tracer       trace.Tracer
	defaultModel string
	betas        []string
}

// Option configures a Service.
type Option func(*Service)

// WithTracerProvider sets the tracer provider. Nil uses the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = telemetry.Tracer(tp)
	}
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(s *Service) {
		s.defaultModel = model
	}
}

// WithBetas sets beta flags sent with every call.
func WithBetas(betas ...string) Option {
	return func(s *Service) {
		s.betas = append(s.betas, betas...)
	}
}

// NewService returns a Service backed by provider.
func NewService(provider providers.Provider, opts ...Option) *Service {
	s := &Service{provider: provider, tracer: telemetry.Tracer(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CallOption adjusts a single call.
type CallOption func(*providers.Request)

// WithCallBetas adds beta flags to one call.
func WithCallBetas(betas ...string) CallOption {
	return func(r *providers.Request) {
		r.Betas = append(r.Betas, betas...)
	}
}

// WithHeader sets an extra header on one call.
func WithHeader(key, value string) CallOption {
	return func(r *providers.Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set(key, value)
	}
}

// prepare applies the default model, validates and encodes req. req itself
// is not modified.
func (s *Service) prepare(req *types.MessageRequest, stream bool) (*types.MessageRequest, []byte, error) {
	if req == nil {
		return nil, nil, invalid("request is nil")
	}
	r := *req
	if r.Model == "" {
		r.Model = s.defaultModel
	}
	r.Stream = stream
	if err := Validate(&r); err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(&r)
	if err != nil {
		return nil, nil, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "encode request")
	}
	return &r, body, nil
}

func (s *Service) newRequest(path string, body []byte, opts []CallOption) *providers.Request {
	req := &providers.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
		Betas:  append([]string(nil), s.betas...),
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func (s *Service) startSpan(ctx context.Context, name, model string, stream bool) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		telemetry.AttrProvider.String(s.provider.Name()),
		telemetry.AttrModel.String(model),
		telemetry.AttrStream.Bool(stream),
	))
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(telemetry.AttrErrorKind.String(sdkerrors.KindOf(err).String()))
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// Create sends a non-streaming request and returns the response message.
func (s *Service) Create(ctx context.Context, req *types.MessageRequest, opts ...CallOption) (*types.Message, error) {
	r, body, err := s.prepare(req, false)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "messages.create", r.Model, false)

	resp, err := s.provider.Request(ctx, s.newRequest(providers.PathMessages, body, opts))
	if err != nil {
		failSpan(span, err)
		return nil, err
	}

	msg, err := types.DecodeMessage(resp.Body)
	if err != nil {
		err = sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode response").
			WithProvider(s.provider.Name()).WithEndpoint("POST " + providers.PathMessages).
			WithRequestID(resp.RequestID())
		failSpan(span, err)
		return nil, err
	}
	if msg.Usage != nil {
		recordUsage(s.provider.Name(), r.Model, msg.Usage)
		span.SetAttributes(
			telemetry.AttrInputTok.Int(msg.Usage.InputTokens),
			telemetry.AttrOutputTok.Int(msg.Usage.OutputTokens),
		)
	}
	span.End()
	return msg, nil
}

// Stream sends a streaming request and returns the open event sequence.
func (s *Service) Stream(ctx context.Context, req *types.MessageRequest, opts ...CallOption) (*Stream, error) {
	r, body, err := s.prepare(req, true)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "messages.stream", r.Model, true)

	frames, err := s.provider.RequestStreaming(ctx, s.newRequest(providers.PathMessages, body, opts))
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	return newStream(streaming.NewDecoder(frames, s.provider.Name()), span, s.provider.Name(), r.Model), nil
}

// CountTokens returns the input token count for req. Only the direct vendor
// backend supports it; others return FeatureNotSupported.
func (s *Service) CountTokens(ctx context.Context, req *types.MessageRequest, opts ...CallOption) (uint64, error) {
	if req == nil {
		return 0, invalid("request is nil")
	}
	r := *req
	if r.Model == "" {
		r.Model = s.defaultModel
	}
	if r.Model == "" {
		return 0, invalid("model is required")
	}
	if len(r.Messages) == 0 {
		return 0, invalid("messages must not be empty")
	}
	if err := validateHistory(r.Messages); err != nil {
		return 0, err
	}
	body, err := json.Marshal(r.CountTokens())
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.KindSerialization, err, "encode request")
	}

	ctx, span := s.startSpan(ctx, "messages.count_tokens", r.Model, false)
	resp, err := s.provider.Request(ctx, s.newRequest(providers.PathCountTokens, body, opts))
	if err != nil {
		failSpan(span, err)
		return 0, err
	}
	var out types.CountTokensResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		err = sdkerrors.Wrap(sdkerrors.KindSerialization, err, "decode count_tokens response").
			WithProvider(s.provider.Name())
		failSpan(span, err)
		return 0, err
	}
	span.SetAttributes(telemetry.AttrInputTok.Int64(int64(out.InputTokens)))
	span.End()
	return out.InputTokens, nil
}

func recordUsage(provider, model string, u *types.Usage) {
	deref := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	prom.RecordTokens(provider, model, u.InputTokens, u.OutputTokens,
		deref(u.CacheCreationInputTokens), deref(u.CacheReadInputTokens))
	logger.Debug("token usage", "provider", provider, "model", model,
		"input_tokens", u.InputTokens, "output_tokens", u.OutputTokens)
}
