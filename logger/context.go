package logger

import (
	"context"
	"log/slog"
)

type fieldsKey struct{}

// LoggingFields are the correlation fields attached to every record logged
// with a context that carries them.
type LoggingFields struct {
	SessionID string
	RequestID string
	Provider  string
	Model     string
	Endpoint  string
}

// merge overlays the non-empty values of o.
func (f LoggingFields) merge(o LoggingFields) LoggingFields {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&f.SessionID, o.SessionID)
	set(&f.RequestID, o.RequestID)
	set(&f.Provider, o.Provider)
	set(&f.Model, o.Model)
	set(&f.Endpoint, o.Endpoint)
	return f
}

// attrs renders the non-empty fields in a fixed order.
func (f LoggingFields) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 5)
	for _, kv := range [...]struct{ k, v string }{
		{"session_id", f.SessionID},
		{"request_id", f.RequestID},
		{"provider", f.Provider},
		{"model", f.Model},
		{"endpoint", f.Endpoint},
	} {
		if kv.v != "" {
			out = append(out, slog.String(kv.k, kv.v))
		}
	}
	return out
}

// WithLoggingContext returns ctx carrying fields on top of any already set.
// Empty values leave existing ones in place.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	return context.WithValue(ctx, fieldsKey{}, ExtractLoggingFields(ctx).merge(*fields))
}

// WithSessionID tags ctx with an agent session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return WithLoggingContext(ctx, &LoggingFields{SessionID: sessionID})
}

// WithRequestID tags ctx with an HTTP or control protocol request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return WithLoggingContext(ctx, &LoggingFields{RequestID: requestID})
}

// WithProvider tags ctx with a backend name.
func WithProvider(ctx context.Context, provider string) context.Context {
	return WithLoggingContext(ctx, &LoggingFields{Provider: provider})
}

// WithModel tags ctx with a model id.
func WithModel(ctx context.Context, model string) context.Context {
	return WithLoggingContext(ctx, &LoggingFields{Model: model})
}

// WithEndpoint tags ctx with an endpoint such as "POST /v1/messages".
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return WithLoggingContext(ctx, &LoggingFields{Endpoint: endpoint})
}

// ExtractLoggingFields returns the fields carried by ctx.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	if ctx == nil {
		return LoggingFields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(LoggingFields)
	return f
}
