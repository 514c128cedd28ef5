// Package logger provides structured logging for the CalicoDB core,
// grounded in the teacher's zerolog wrapper (internal/logger/logger.go of
// the retrieval example it was adapted from), generalized from a
// gRPC-server request logger to a per-component engine logger (pager,
// wal, tree, schema).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with CalicoDB component tagging.
type Logger struct {
	zlog zerolog.Logger
}

// Config controls how a Logger is constructed.
type Config struct {
	Level      string // debug, info, warn, error, off
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a structured logger. A nil Output defaults to io.Discard.
// DB.Open does not use New by default: it logs through Stderr unless
// Options.Logger supplies a logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "off":
		level = zerolog.Disabled
	}

	output := cfg.Output
	if output == nil {
		output = io.Discard
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", "calicodb").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger { return New(Config{Level: "off"}) }

// Stderr is a convenience constructor for ad-hoc debugging.
func Stderr(level string) *Logger {
	return New(Config{Level: level, Output: os.Stderr, Pretty: true})
}

// For returns a sub-logger tagged with the engine subsystem it belongs
// to (pager, wal, tree, schema, ...).
func (l *Logger) For(subsystem string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("subsystem", subsystem).Logger()}
}

// WithFields returns a logger with additional structured fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// LogPagerOp logs a pager-level operation with duration, matching the
// teacher's LogDbOperation structured-event shape.
func (l *Logger) LogPagerOp(op string, dur time.Duration, err error) {
	ev := l.zlog.Debug().Str("op", op).Dur("duration_ms", dur)
	if err != nil {
		ev = l.zlog.Error().Str("op", op).Dur("duration_ms", dur).Err(err)
	}
	ev.Msg("pager operation")
}

// LogCheckpoint logs a completed WAL checkpoint.
func (l *Logger) LogCheckpoint(framesBackfilled int, reset bool, err error) {
	ev := l.zlog.Info().Int("frames_backfilled", framesBackfilled).Bool("reset", reset)
	if err != nil {
		ev = l.zlog.Error().Int("frames_backfilled", framesBackfilled).Bool("reset", reset).Err(err)
	}
	ev.Msg("wal checkpoint")
}
