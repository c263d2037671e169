// Package httputil provides shared HTTP client construction utilities
// for the turboclaude providers. It centralizes timeout defaults, client
// instrumentation and retry-after parsing so every backend behaves the same.
package httputil

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Standard timeout defaults used across the project.
const (
	// DefaultRequestTimeout bounds a non-streaming provider call end to end.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultIdleConnTimeout is how long pooled connections stay open.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConnsPerHost sizes the per-host connection pool.
	DefaultMaxIdleConnsPerHost = 16
)

// Retry-after header names, in order of preference.
const (
	HeaderRetryAfterMs = "retry-after-ms"
	HeaderRetryAfter   = "retry-after"
)

// NewHTTPClient returns an *http.Client whose transport waits at most
// headerTimeout for response headers. The client itself carries no overall
// timeout so streamed bodies are not cut off; non-streaming callers bound
// their calls with a context deadline instead. The transport is wrapped with
// otelhttp so every outbound request produces a client span.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = headerTimeout
	base.IdleConnTimeout = DefaultIdleConnTimeout
	base.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost

	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

// ParseRetryAfter extracts a retry delay from response headers. It honours
// "retry-after-ms" and "retry-after" (either delta-seconds or an HTTP-date).
// The boolean is false when no usable hint is present.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get(HeaderRetryAfterMs)); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}

	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
