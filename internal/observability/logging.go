// Package observability provides structured logging with per-category
// hierarchical levels and Prometheus metrics for the runtime.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/agora/internal/ident"
)

// Logger provides structured logging built on slog with per-category level
// resolution and sensitive-data redaction.
//
// Category names are normalized to dot-hierarchical lower-case; a category
// without an explicit level inherits from its nearest dotted ancestor, then
// from the global level.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Global:     "info",
//	    Categories: map[string]string{"realtime": "debug"},
//	})
//	log := logger.Category("realtime.subscriptions")
//	log.Debug(ctx, "subscription installed", "subscriptionId", id)
type Logger struct {
	mu         sync.RWMutex
	handler    slog.Handler
	global     slog.Level
	categories map[string]slog.Level
	redacts    []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Global is the fallback level: "debug", "info", "warn", "error".
	Global string

	// Categories maps category names (any separator style) to levels.
	Categories map[string]string

	// Format is "json" or "text". JSON is the default.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in log records.
	AddSource bool
}

// defaultRedactPatterns covers common secrets in log output.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{95,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{48,}`),
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger creates a logger with the given configuration.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		// The logger gates levels per category itself, so the handler
		// must not filter anything out.
		Level:     slog.LevelDebug,
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	categories := make(map[string]slog.Level, len(config.Categories))
	for name, level := range config.Categories {
		categories[ident.ToLogCategory(name)] = parseLevel(level)
	}

	return &Logger{
		handler:    handler,
		global:     parseLevel(config.Global),
		categories: categories,
		redacts:    defaultRedactPatterns,
	}
}

// SetCategoryLevel overrides the level for a category at runtime.
func (l *Logger) SetCategoryLevel(category, level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categories[ident.ToLogCategory(category)] = parseLevel(level)
}

// LevelFor resolves the effective level for a category: exact match, then
// nearest dotted ancestor, then global.
func (l *Logger) LevelFor(category string) slog.Level {
	normalized := ident.ToLogCategory(category)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if level, ok := l.categories[normalized]; ok {
		return level
	}
	for _, ancestor := range ident.CategoryAncestors(normalized) {
		if level, ok := l.categories[ancestor]; ok {
			return level
		}
	}
	return l.global
}

// Category returns a logger scoped to the given category.
func (l *Logger) Category(name string) *CategoryLogger {
	normalized := ident.ToLogCategory(name)
	return &CategoryLogger{
		parent:   l,
		category: normalized,
		logger:   slog.New(l.handler).With("category", normalized),
	}
}

func (l *Logger) redact(msg string) string {
	for _, re := range l.redacts {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// CategoryLogger emits records for a single category, gated by the parent
// logger's level resolution.
type CategoryLogger struct {
	parent   *Logger
	category string
	logger   *slog.Logger
}

func (c *CategoryLogger) enabled(level slog.Level) bool {
	return level >= c.parent.LevelFor(c.category)
}

func (c *CategoryLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !c.enabled(level) {
		return
	}
	c.logger.Log(ctx, level, c.parent.redact(msg), args...)
}

// Debug logs at debug level.
func (c *CategoryLogger) Debug(ctx context.Context, msg string, args ...any) {
	c.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (c *CategoryLogger) Info(ctx context.Context, msg string, args ...any) {
	c.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (c *CategoryLogger) Warn(ctx context.Context, msg string, args ...any) {
	c.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (c *CategoryLogger) Error(ctx context.Context, msg string, args ...any) {
	c.log(ctx, slog.LevelError, msg, args...)
}

// Nop returns a logger that discards everything. Intended for tests and for
// components constructed without an explicit logger.
func Nop() *Logger {
	return NewLogger(LogConfig{Global: "error", Output: io.Discard})
}
