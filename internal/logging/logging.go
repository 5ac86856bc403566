// Package logging provides centralized structured logging for sahguard.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter is the rotating file writer, if file logging is enabled.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents is the component filter; nil means all.
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// FileConfig configures the rotating log file.
type FileConfig struct {
	// Path is the log file path. Empty disables file logging.
	Path string `yaml:"path"`
	// MaxSizeMB is the size in megabytes that triggers rotation. Default: 10.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep. Default: 3.
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays removes rotated files older than this. Zero keeps them.
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum console level (debug, info, warn, error).
	Level string
	// FileLevel is the minimum file level. Defaults to Level.
	FileLevel string
	File      *FileConfig
	JSON      bool
	// Components restricts output to the named components (empty means all).
	Components []string
	// Output overrides the console writer. Defaults to os.Stderr.
	Output io.Writer
}

// Initialize sets up the global logger. When a log file is configured,
// records are written to both the console and the rotating file.
func Initialize(cfg Config) error {
	consoleLevel, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		if fileLevel, err = ParseLevel(cfg.FileLevel); err != nil {
			return err
		}
	}

	componentsMu.Lock()
	allowedComponents = nil
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			allowedComponents[strings.TrimSpace(c)] = true
		}
	}
	componentsMu.Unlock()

	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}

	newHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	handler := newHandler(console, consoleLevel)
	if cfg.File != nil && cfg.File.Path != "" {
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		if logWriter != nil {
			_ = logWriter.Close()
		}
		logWriter = lj
		handler = &fanoutHandler{handlers: []slog.Handler{handler, newHandler(lj, fileLevel)}}
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// fanoutHandler sends each record to every handler enabled for its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close flushes and closes the log file, if any.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter == nil {
		return nil
	}
	err := logWriter.Close()
	logWriter = nil
	return err
}

// ParseLevel converts a level name to slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler drops records for components outside the filter.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return isComponentAllowed(h.component) && h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a logger tagged with component=<component>.
// It logs nothing when a component filter is active and excludes it.
func WithComponent(component string) *slog.Logger {
	base := Get()
	return slog.New(&componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	})
}

// Web returns a logger for HTTP server events.
func Web() *slog.Logger {
	return WithComponent("web")
}

// Auth returns a logger for login, logout and token verification.
func Auth() *slog.Logger {
	return WithComponent("auth")
}

// Security returns a logger for security events: blocks, violations,
// CSRF failures and rate-limit rejections.
func Security() *slog.Logger {
	return WithComponent("security")
}

// Session returns a logger for client session lifecycle events.
func Session() *slog.Logger {
	return WithComponent("session")
}

// Settings returns a logger for configuration loading and reloads.
func Settings() *slog.Logger {
	return WithComponent("settings")
}

// Shutdown returns a logger for shutdown events.
func Shutdown() *slog.Logger {
	return WithComponent("shutdown")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
