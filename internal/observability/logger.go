// Package observability carries the logging and metrics plumbing shared by
// the daemon and the receiving core.
package observability

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging interface used across the service. It is
// satisfied by *slog.Logger, which is also the default.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefaultLogger returns the process-wide slog logger.
func DefaultLogger() Logger {
	return slog.Default()
}

// InitLogger builds the daemon's console zerolog logger.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
}

// NewZerologAdapter wraps a zerolog logger in the Logger interface so the
// core, which speaks slog-style key-value pairs, can log through it.
func NewZerologAdapter(l zerolog.Logger) Logger {
	return &zerologAdapter{l: l}
}

type zerologAdapter struct {
	l zerolog.Logger
}

func (a *zerologAdapter) Debug(msg string, args ...any) { a.emit(a.l.Debug(), msg, args) }

func (a *zerologAdapter) Info(msg string, args ...any) { a.emit(a.l.Info(), msg, args) }

func (a *zerologAdapter) Warn(msg string, args ...any) { a.emit(a.l.Warn(), msg, args) }

func (a *zerologAdapter) Error(msg string, args ...any) { a.emit(a.l.Error(), msg, args) }

func (a *zerologAdapter) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
