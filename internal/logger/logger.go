// Package logger provides structured logging for CrushDB-core
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with CrushDB-specific component loggers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration, sourced from the parsed
// crushdb.conf log_level/log_max_files/log_retention_days/log_max_size_mb
// keys (the latter three are advisory to the file output the caller
// wires up via Output; this package only formats and levels events).
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a logger from cfg. There is no global/singleton logger —
// per the redesign note against singleton managers, callers thread an
// explicit *Logger through the engine and its components instead of
// reaching for a package-level instance.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "crushdb").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }
func (l *Logger) Fatal(msg string) *zerolog.Event { return l.zlog.Fatal().Str("msg", msg) }

// WithFields returns a logger with additional structured fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// PageLogger returns a component logger for pkg/page and pkg/pagemanager
// operations (insert, compact, split, eviction).
func (l *Logger) PageLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "page").Logger()}
}

// BTreeLogger returns a component logger for pkg/btree and pkg/index
// operations.
func (l *Logger) BTreeLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "btree").Logger()}
}

// EngineLogger returns a component logger for pkg/crushdb façade
// operations.
func (l *Logger) EngineLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "engine").Logger()}
}

// WALLogger returns a component logger for pkg/wal's background
// checkpointing and rotation.
func (l *Logger) WALLogger() *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "wal").Logger()}
}

// LogOperation logs a completed domain operation with duration and an
// optional error, in the shape every component logger uses.
func (l *Logger) LogOperation(operation string, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("operation", operation).
		Dur("duration_ms", duration)
	if err != nil {
		event = l.zlog.Error().
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}
	event.Msg("operation completed")
}
