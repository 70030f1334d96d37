// Package logging provides the worker's structured logger: a zerolog logger
// scoped to a component name, with level and format controlled by
// WORKER_LOG_LEVEL / WORKER_LOG_FORMAT.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

func root() zerolog.Logger {
	baseOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		level := parseLevel(os.Getenv("WORKER_LOG_LEVEL"))
		var w = os.Stderr
		if strings.EqualFold(os.Getenv("WORKER_LOG_FORMAT"), "console") {
			base = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
				Level(level).With().Timestamp().Logger()
			return
		}
		base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	})
	return base
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger is a component-scoped logger. It mirrors the teacher's
// component+key/value calling convention while emitting structured zerolog
// records instead of formatted strings.
type Logger struct {
	zl zerolog.Logger
}

// For returns a Logger scoped to the given component name.
func For(component string) Logger {
	return Logger{zl: root().With().Str("component", component).Logger()}
}

// With returns a copy of the logger with additional structured fields bound,
// e.g. for attaching attempt_id/run_id for the lifetime of an attempt.
func (l Logger) With(kv ...any) Logger {
	ctx := l.zl.With()
	ctx = applyFields(ctx, kv)
	return Logger{zl: ctx.Logger()}
}

func (l Logger) Info(msg string, kv ...any) {
	emit(l.zl.Info(), msg, kv)
}

func (l Logger) Error(msg string, err error, kv ...any) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	emit(ev, msg, kv)
}

func (l Logger) Debug(msg string, kv ...any) {
	emit(l.zl.Debug(), msg, kv)
}

func (l Logger) Warn(msg string, kv ...any) {
	emit(l.zl.Warn(), msg, kv)
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func applyFields(ctx zerolog.Context, kv []any) zerolog.Context {
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return ctx
}
