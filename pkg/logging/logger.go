// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names used across the service.
const (
	ComponentCache    = "cache"
	ComponentUpstream = "upstream"
	ComponentWarmup   = "warmup"
	ComponentResolve  = "resolve"
	ComponentEdge     = "edge"
	ComponentAdmin    = "admin"
	ComponentBrowser  = "browsercache"
	ComponentServer   = "server"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is attached to every log line when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "notion-content-cache",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Nop returns a disabled logger, handy for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: per-key and per-identifier detail
//   - Cache hit/miss with tier and key
//   - Warmup outcome for a single page id
//   - Edge classification and bypass decisions
//
// Info: lifecycle events
//   - Warmup job started / completed / reset
//   - Admin clear and webhook invalidations
//   - Server startup/shutdown, edge override loaded
//
// Warn: degraded but operating
//   - External tier unreachable (memory-only fallback)
//   - Upstream retries, throttling, open circuit
//   - Duplicate identifiers excluded by the resolver
//
// Error: needs attention
//   - Warmup job failed before running any batch
//   - Upstream requests failing after retries
//   - Configuration errors
//
// Context Fields:
//   - key, pattern: cache key or invalidation pattern
//   - tier: memory | external
//   - job_id, batch, page_id: warmup progress
//   - error_class: timeout | rate_limit | not_found | client | server | network
//   - status, duration: upstream response status and latency
