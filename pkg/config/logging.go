package config

import "github.com/Epistates/turboclaude-sub003/logger"

// Log level names.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Apply sets the global logger level when one is configured.
func (c LoggingConfig) Apply() {
	if c.Level != "" {
		logger.SetLevel(logger.ParseLevel(c.Level))
	}
}
