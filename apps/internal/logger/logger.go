// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package logger

import (
	"context"
	"io"
	"log/slog"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// LoggerInterface defines the methods that a logger should implement
type LoggerInterface interface {
	Log(ctx context.Context, level Level, message string, fields ...any)
}

// logger wraps a *slog.Logger.
type logger struct {
	logging *slog.Logger
}

// New creates a LoggerInterface around l. A nil l yields a logger that discards
// everything, so a library user who never configured logging sees no output.
func New(l *slog.Logger) LoggerInterface {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &logger{logging: l}
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error") to a
// slog.Level. Unknown values map to slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	switch Level(s) {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Err:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log method with full support for structured logging and multiple log levels.
func (a *logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil || a.logging == nil {
		return
	}
	a.logging.Log(ctx, ParseLevel(string(level)), message, fields...)
}

// Field creates a slog field for any value
func Field(key string, value any) any {
	return slog.Any(key, value)
}
