// Package logging wraps log/slog with secret redaction. Every secret this
// proxy ever sees — provider API keys, inbound Authorization/x-api-key
// headers — must never reach a log line unredacted, since logs routinely
// end up in less-trusted hands than the traffic itself.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Format is the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config configures a Logger.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, text
	AddSource bool
	Writer    io.Writer // defaults to os.Stdout
}

// Logger is a redacting wrapper around *slog.Logger.
type Logger struct {
	slog     *slog.Logger
	redactor *Redactor
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Logger{slog: slog.New(handler), redactor: NewRedactor()}, nil
}

// FromSlog wraps an existing *slog.Logger with this package's redaction,
// for call sites that already hold one.
func FromSlog(l *slog.Logger) *Logger {
	return &Logger{slog: l, redactor: NewRedactor()}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(context.Background(), slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(context.Background(), slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(context.Background(), slog.LevelError, msg, args...) }

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, msg, l.redactor.RedactArgs(args...)...)
}

// With returns a Logger carrying additional structured fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(l.redactor.RedactArgs(args...)...), redactor: l.redactor}
}

// Slog exposes the underlying *slog.Logger for packages (like
// http.Server's ErrorLog bridge) that need the stdlib type directly.
func (l *Logger) Slog() *slog.Logger { return l.slog }

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug, nil
	case "info", "INFO", "":
		return slog.LevelInfo, nil
	case "warn", "WARN", "warning":
		return slog.LevelWarn, nil
	case "error", "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func parseFormat(s string) (Format, error) {
	switch s {
	case "json", "JSON", "":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format %q", s)
	}
}
