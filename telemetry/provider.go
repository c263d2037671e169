// Package telemetry wires OpenTelemetry tracing for turboclaude: tracer
// access, an OTLP/HTTP tracer provider and trace-context propagation.
package telemetry

import (
	"context"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/Epistates/turboclaude-sub003/version"
)

// InstrumentationName is the scope every SDK span is recorded under.
const InstrumentationName = "github.com/Epistates/turboclaude-sub003"

// Span attribute keys shared by providers, messages and sessions.
const (
	AttrProvider     = attribute.Key("turboclaude.provider")
	AttrEndpoint     = attribute.Key("turboclaude.endpoint")
	AttrModel        = attribute.Key("turboclaude.model")
	AttrStream       = attribute.Key("turboclaude.stream")
	AttrStreamFrames = attribute.Key("turboclaude.stream.frames")
	AttrStatusCode   = attribute.Key("http.response.status_code")
	AttrErrorKind    = attribute.Key("turboclaude.error.kind")
	AttrSessionID    = attribute.Key("turboclaude.session_id")
	AttrRequestID    = attribute.Key("turboclaude.request_id")
	AttrInputTok     = attribute.Key("turboclaude.usage.input_tokens")
	AttrOutputTok    = attribute.Key("turboclaude.usage.output_tokens")
)

// Tracer returns the SDK tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(version.GetVersion()))
}

type exportConfig struct {
	service string
	ratio   float64
	otlp    []otlptracehttp.Option
}

// ExportOption tunes NewTracerProvider.
type ExportOption func(*exportConfig)

// WithServiceName sets service.name on the exported resource.
func WithServiceName(name string) ExportOption {
	return func(c *exportConfig) { c.service = name }
}

// WithSampleRatio samples the given fraction of root spans. Child spans
// follow their parent.
func WithSampleRatio(r float64) ExportOption {
	return func(c *exportConfig) { c.ratio = r }
}

// WithOTLPOptions passes options straight to the OTLP/HTTP exporter.
func WithOTLPOptions(opts ...otlptracehttp.Option) ExportOption {
	return func(c *exportConfig) { c.otlp = append(c.otlp, opts...) }
}

// NewTracerProvider batches spans to the OTLP/HTTP collector at endpoint.
// An empty endpoint defers to the OTEL_EXPORTER_OTLP_* environment. The
// caller owns Shutdown.
func NewTracerProvider(ctx context.Context, endpoint string, opts ...ExportOption) (*sdktrace.TracerProvider, error) {
	cfg := exportConfig{service: "turboclaude", ratio: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if endpoint != "" {
		cfg.otlp = append([]otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}, cfg.otlp...)
	}

	exp, err := otlptracehttp.New(ctx, cfg.otlp...)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.service),
		attribute.String("service.version", version.GetVersion()),
	))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.ratio))),
	), nil
}

// Propagator carries W3C trace context and baggage plus the X-Ray header
// Bedrock forwards.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	)
}

// SetupPropagation installs Propagator globally.
func SetupPropagation() {
	otel.SetTextMapPropagator(Propagator())
}
