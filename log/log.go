// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package log is the structured logger shared by every gatekeeper
// component. It wraps log/slog, names loggers after the component
// emitting the record and stamps trace and span identifiers taken
// from the context.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger is a named structured logger.
	Logger struct {
		logger     *slog.Logger
		output     io.Writer
		path       string
		format     Format
		level      *slog.LevelVar
		attributes []Attr
	}

	// Option configures Logger during initialization.
	Option func(l *Logger)

	// Format selects the record encoding.
	Format string

	Level = slog.Level

	Attr = slog.Attr
)

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

var (
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelWarn  = slog.LevelWarn
	LevelDebug = slog.LevelDebug
)

// WithLevel sets the minimum level of emitted records.
func WithLevel(level slog.Level) Option {
	return func(l *Logger) {
		l.level.Set(level)
	}
}

// WithOutput directs the log output to the specified io.Writer.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.output = w
	}
}

// WithName assigns the dotted component path of the Logger.
func WithName(name string) Option {
	return func(l *Logger) {
		l.path = name
	}
}

// WithFormat selects between JSON records and the colored
// human-readable output. Unknown formats fall back to JSON.
func WithFormat(f Format) Option {
	return func(l *Logger) {
		l.format = f
	}
}

// WithAttributes assigns default attributes to all log entries.
func WithAttributes(attrs ...Attr) Option {
	return func(l *Logger) {
		l.attributes = attrs
	}
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pretty", "text", "console":
		return FormatPretty
	default:
		return FormatJSON
	}
}

func Any(k string, v any) Attr                { return slog.Any(k, v) }
func Bool(k string, v bool) Attr              { return slog.Bool(k, v) }
func Duration(k string, v time.Duration) Attr { return slog.Duration(k, v) }
func Float64(k string, v float64) Attr        { return slog.Float64(k, v) }
func Int(k string, v int) Attr                { return slog.Int(k, v) }
func Int64(k string, v int64) Attr            { return slog.Int64(k, v) }
func String(k, v string) Attr                 { return slog.String(k, v) }
func Time(k string, v time.Time) Attr         { return slog.Time(k, v) }

// Error creates an attribute from an error, storing the error message
// as a string. A nil error is rendered as an empty string.
func Error(err error) Attr {
	if err == nil {
		return String("error", "")
	}

	return String("error", err.Error())
}

// NewLogger initializes a new Logger writing JSON records to stderr
// unless configured otherwise.
func NewLogger(options ...Option) *Logger {
	l := &Logger{
		output: os.Stderr,
		format: FormatJSON,
		level:  new(slog.LevelVar),
	}

	for _, option := range options {
		option(l)
	}

	opts := &slog.HandlerOptions{Level: l.level}

	var handler slog.Handler
	switch l.format {
	case FormatPretty:
		handler = NewPrettyHandler(l.output, opts)
	default:
		handler = slog.NewJSONHandler(l.output, opts)
	}

	attrs := l.attributes
	if l.path != "" {
		attrs = append([]Attr{String("name", l.path)}, attrs...)
	}

	l.logger = slog.New(handler.WithAttrs(attrs))

	return l
}

func (l *Logger) options() []Option {
	return []Option{
		WithName(l.path),
		WithOutput(l.output),
		WithFormat(l.format),
		WithLevel(l.level.Level()),
		WithAttributes(l.attributes...),
	}
}

// With returns a new Logger with additional attributes.
func (l *Logger) With(attrs ...Attr) *Logger {
	merged := make([]Attr, 0, len(l.attributes)+len(attrs))
	merged = append(merged, l.attributes...)
	merged = append(merged, attrs...)

	return NewLogger(append(l.options(), WithAttributes(merged...))...)
}

// Named returns a new Logger whose name is the current name suffixed
// with name. Output, level and format are inherited.
func (l *Logger) Named(name string, options ...Option) *Logger {
	newPath := l.path
	if newPath != "" {
		newPath += "."
	}
	newPath += name

	options = append(append(l.options(), WithName(newPath)), options...)

	return NewLogger(options...)
}

// Log logs a message at the specified level, adding trace and span
// ids when the context carries a recording span.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...Attr) {
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		spanCtx := span.SpanContext()
		args = append(
			args,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	l.logger.LogAttrs(ctx, level, msg, args...)
}

func (l *Logger) Info(msg string, args ...Attr) {
	l.Log(context.Background(), LevelInfo, msg, args...)
}

func (l *Logger) InfoCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelInfo, msg, args...)
}

func (l *Logger) Error(msg string, args ...Attr) {
	l.Log(context.Background(), LevelError, msg, args...)
}

func (l *Logger) ErrorCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelError, msg, args...)
}

func (l *Logger) Warn(msg string, args ...Attr) {
	l.Log(context.Background(), LevelWarn, msg, args...)
}

func (l *Logger) WarnCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelWarn, msg, args...)
}

func (l *Logger) Debug(msg string, args ...Attr) {
	l.Log(context.Background(), LevelDebug, msg, args...)
}

func (l *Logger) DebugCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelDebug, msg, args...)
}
