package logger

import (
	"context"
	"log/slog"
)

// ContextHandler decorates records with the LoggingFields carried by the
// context and scrubs credentials from string and error attributes before
// passing them on.
type ContextHandler struct {
	next  slog.Handler
	fixed []slog.Attr
}

// NewContextHandler wraps next. fixed attributes lead every record.
func NewContextHandler(next slog.Handler, fixed ...slog.Attr) *ContextHandler {
	return &ContextHandler{next: next, fixed: fixed}
}

func (h *ContextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

//nolint:gocritic // slog.Handler takes the record by value
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	out.AddAttrs(h.fixed...)
	out.AddAttrs(ExtractLoggingFields(ctx).attrs()...)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = scrub(a)
	}
	return &ContextHandler{next: h.next.WithAttrs(clean), fixed: h.fixed}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name), fixed: h.fixed}
}

// scrub redacts secrets from a string or error attribute.
func scrub(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, RedactSensitiveData(v.String()))
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, RedactSensitiveData(err.Error()))
		}
	}
	return a
}

var _ slog.Handler = (*ContextHandler)(nil)
