// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across connd.
// Loggers carry a component name and emit key/value attributes.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls logger construction.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	Output io.Writer
	Syslog SyslogConfig
}

// DefaultConfig returns the standard daemon logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	s         *slog.Logger
	component string
}

// New builds a Logger from cfg. A bad syslog configuration degrades to
// local-only output with a warning rather than failing construction.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var syslogErr error
	if cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(cfg.Syslog)
		if err == nil {
			out = io.MultiWriter(out, w)
		} else {
			syslogErr = err
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	l := &Logger{s: slog.New(h)}
	if syslogErr != nil {
		l.Warn("syslog forwarding disabled", "error", syslogErr)
	}
	return l
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// SetDefault installs the process-wide logger used by WithComponent.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent derives a logger tagged with the given component from
// the process default, creating a default on first use.
func WithComponent(component string) *Logger {
	defaultMu.Lock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	l := defaultLogger
	defaultMu.Unlock()
	return l.Component(component)
}

// Component returns a child logger tagged with the given component.
func (l *Logger) Component(component string) *Logger {
	return &Logger{s: l.s.With("component", component), component: component}
}

// With returns a child logger with the given attributes attached.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...), component: l.component}
}

func (l *Logger) Debug(msg string, kv ...any) { l.s.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.s.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.s.Error(msg, kv...) }

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
