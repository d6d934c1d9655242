// Package logging provides the leveled logger used throughout github2gerrit.
// It is a thin wrapper around zerolog exposing printf-style helpers so that
// callers do not depend on the backend directly.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log levels, most severe first.
const (
	LogLevelError = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Log output formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type Config struct {
	Level      int
	Format     string // LogFormatText (default) or LogFormatJSON
	Timestamps bool
	Output     io.Writer // defaults to stderr
}

type Logger struct {
	logger zerolog.Logger
	level  int
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}

	if c.Format != LogFormatJSON {
		out = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).Level(zerologLevel(c.Level)).With()
	if c.Timestamps {
		ctx = ctx.Timestamp()
	}

	return &Logger{logger: ctx.Logger(), level: c.Level}
}

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop(), level: LogLevelError}
}

// WithFields returns a derived logger carrying the given fields on every line.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger(), level: l.level}
}

func (l *Logger) Level() int {
	return l.level
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

func zerologLevel(level int) zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
