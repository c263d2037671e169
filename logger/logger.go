// Package logger provides structured logging with automatic secret redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - provider HTTP request and response logging
//   - control protocol tracing for agent sessions
//   - automatic API key, bearer token and signature redaction
//   - contextual logging (session, request, provider, model, endpoint)
//
// All exported functions use the global DefaultLogger. The level is read from
// the LOG_LEVEL environment variable at start-up and can be changed with
// SetLevel or SetVerbose.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	mu     sync.Mutex
	output io.Writer = os.Stderr
	level            = new(slog.LevelVar)
)

func init() {
	level.Set(ParseLevel(os.Getenv("LOG_LEVEL")))
	rebuild()
}

// ParseLevel converts a level name (debug, info, warn, error) to a slog.Level.
// Unknown or empty names map to slog.LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rebuild() {
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	DefaultLogger = slog.New(NewContextHandler(handler))
}

// SetLevel changes the logging level for all subsequent log operations.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetOutput redirects log output. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context fields.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context fields.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context fields.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context fields.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// Retry logs a scheduled retry of a provider call.
func Retry(ctx context.Context, provider string, attempt int, delay time.Duration, reason string) {
	InfoContext(ctx, "retrying provider call",
		"provider", provider,
		"attempt", attempt,
		"delay", delay,
		"reason", reason,
	)
}

// ProtocolMessage logs one control protocol frame at debug level.
// Direction is "send" or "recv".
func ProtocolMessage(ctx context.Context, direction, msgType string, requestID uint64) {
	if !DefaultLogger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	DebugContext(ctx, "control protocol frame",
		"direction", direction,
		"type", msgType,
		"request_id", requestID,
	)
}

var (
	// secretPatterns match credentials that must never reach the logs.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`),                   // vendor API keys
		regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),                         // generic secret keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),                // bearer tokens
		regexp.MustCompile(`Signature=[0-9a-f]{16,}`),                     // SigV4 signatures
		regexp.MustCompile(`ya29\.[a-zA-Z0-9._-]+`),                       // Google access tokens
		regexp.MustCompile(`(?i)("x-api-key"\s*:\s*")[^"]+`),              // JSON encoded header
		regexp.MustCompile(`(?i)(X-Amz-Security-Token=)[a-zA-Z0-9%/+=]+`), // session tokens in URLs
	}
)

// RedactSensitiveData removes API keys and other sensitive information from strings.
// Keys keep their first few characters for debugging; bearer tokens and
// signatures are replaced entirely.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			switch {
			case strings.HasPrefix(match, "Bearer"):
				return "Bearer [REDACTED]"
			case strings.HasPrefix(match, "Signature="):
				return "Signature=[REDACTED]"
			case strings.HasPrefix(strings.ToLower(match), `"x-api-key"`):
				idx := strings.LastIndex(match, `"`)
				return match[:idx+1] + "[REDACTED]"
			case strings.HasPrefix(strings.ToLower(match), "x-amz-security-token="):
				return match[:len("X-Amz-Security-Token=")] + "[REDACTED]"
			case len(match) > 8:
				return match[:4] + "...[REDACTED]"
			default:
				return "[REDACTED]"
			}
		})
	}

	return result
}

// sensitiveHeaders are dropped entirely rather than pattern-redacted.
var sensitiveHeaders = map[string]bool{
	"x-api-key":            true,
	"authorization":        true,
	"x-amz-security-token": true,
}

// APIRequest logs HTTP API request details at debug level with automatic redaction.
// This function is a no-op when debug logging is disabled.
func APIRequest(ctx context.Context, provider, method, url string, headers map[string]string, body []byte) {
	if !DefaultLogger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 10)
	attrs = append(attrs,
		"provider", provider,
		"method", method,
		"url", RedactSensitiveData(url),
	)

	if len(headers) > 0 {
		redacted := make(map[string]string, len(headers))
		for key, value := range headers {
			if sensitiveHeaders[strings.ToLower(key)] {
				redacted[key] = "[REDACTED]"
				continue
			}
			redacted[key] = RedactSensitiveData(value)
		}
		attrs = append(attrs, "headers", redacted)
	}

	if len(body) > 0 {
		attrs = append(attrs, "body", RedactSensitiveData(string(body)))
	}

	DebugContext(ctx, "api request", attrs...)
}

// APIResponse logs HTTP API response details at debug level with automatic redaction.
// A non-nil err is logged at error level regardless of the body.
func APIResponse(ctx context.Context, provider string, statusCode int, body []byte, err error) {
	if err != nil {
		ErrorContext(ctx, "api response error",
			"provider", provider,
			"status_code", statusCode,
			"error", err.Error(),
		)
		return
	}
	if !DefaultLogger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 6)
	attrs = append(attrs,
		"provider", provider,
		"status_code", statusCode,
	)

	if len(body) > 0 {
		var compact strings.Builder
		var obj any
		if json.Unmarshal(body, &obj) == nil {
			b, _ := json.Marshal(obj)
			compact.Write(b)
		} else {
			compact.Write(body)
		}
		attrs = append(attrs, "body", RedactSensitiveData(compact.String()))
	}

	DebugContext(ctx, "api response", attrs...)
}
