// Package logger wraps log/slog with category-based debug gating, so a
// deployment can turn on verbose per-component tracing (queue backpressure,
// resampler drift correction, render graph ticks) without paying for it
// when disabled.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory is a component-scoped debug switch.
type DebugCategory string

const (
	DebugClock      DebugCategory = "clock"
	DebugQueue      DebugCategory = "queue"
	DebugResampler  DebugCategory = "resampler"
	DebugMixer      DebugCategory = "mixer"
	DebugRender     DebugCategory = "render"
	DebugRTPSync    DebugCategory = "rtpsync"
	DebugPipeline   DebugCategory = "pipeline"
	DebugAll        DebugCategory = "all"
)

// Config holds logger configuration.
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a logger configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level.
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.ToSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler), config: cfg, file: file}, nil
}

// EnableCategory turns on a debug category. DebugAll enables every
// known category at once.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugClock] = true
		c.EnabledCategories[DebugQueue] = true
		c.EnabledCategories[DebugResampler] = true
		c.EnabledCategories[DebugMixer] = true
		c.EnabledCategories[DebugRender] = true
		c.EnabledCategories[DebugRTPSync] = true
		c.EnabledCategories[DebugPipeline] = true
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled reports whether category is currently enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled reports whether any category is enabled.
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard returns a Logger that drops everything written to it, for tests
// and for components whose caller passed no logger at all.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler), config: NewConfig()}
}

// DebugClock logs clock arm/drift/late-policy decisions if the clock
// category is enabled.
func (l *Logger) DebugClock(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugClock) {
		args = append([]any{"category", "clock"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugQueue logs queue backpressure/overflow details if the queue
// category is enabled.
func (l *Logger) DebugQueue(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugQueue) {
		args = append([]any{"category", "queue"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugResampler logs resampler drift-correction branch decisions if the
// resampler category is enabled.
func (l *Logger) DebugResampler(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugResampler) {
		args = append([]any{"category", "resampler"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugMixer logs per-tick mixer decisions (active count, saturation) if
// the mixer category is enabled.
func (l *Logger) DebugMixer(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugMixer) {
		args = append([]any{"category", "mixer"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRender logs render-graph tick details if the render category is
// enabled.
func (l *Logger) DebugRender(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRender) {
		args = append([]any{"category", "render"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRTPSync logs RTCP sender-report anchoring details if the rtpsync
// category is enabled.
func (l *Logger) DebugRTPSync(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTPSync) {
		args = append([]any{"category", "rtpsync"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugPipeline logs registration/lifecycle events if the pipeline
// category is enabled.
func (l *Logger) DebugPipeline(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugPipeline) {
		args = append([]any{"category", "pipeline"}, args...)
		l.Debug(msg, args...)
	}
}

// WithContext returns a Logger carrying values from ctx (reserved for
// future trace-id propagation; currently a passthrough).
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{Logger: l.Logger, config: l.config, file: l.file}
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

// SetDefault sets the global default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary.
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			logger = &Logger{Logger: slog.Default(), config: cfg}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Debug logs at Debug level using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at Info level using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at Warn level using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at Error level using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
