package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/rs/zerolog"
)

const serviceName = "realtime-core"

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // json for Loki, pretty for local runs
	Output io.Writer       // Destination (default: os.Stdout)
}

// NewLogger builds the process logger. Every component derives its own child
// with .With().Str("component", ...).
//
// The level is set on the returned logger, not through zerolog.SetGlobalLevel,
// so tests and embedded servers can each pick their own verbosity.
func NewLogger(config LoggerConfig) zerolog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.Format == types.LogFormatPretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(levelOf(config.Level)).
		With().
		Timestamp().
		Caller().
		Str("service", serviceName).
		Logger()
}

func levelOf(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func withFields(event *zerolog.Event, fields map[string]any) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}

// LogError logs err at error level with extra context fields.
//
//	LogError(logger, err, "Redis unreachable, keeping metric snapshots in memory", map[string]any{
//	    "addr": opts.Addr,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	withFields(logger.Error().Err(err), fields).Msg(msg)
}

// RecoverPanic logs a recovered panic with its stack and lets the process
// keep serving the remaining connections.
//
// CRITICAL: must be the FIRST defer of every long-lived goroutine (read
// loops, worker drains, schedulers, consumers) so it runs last.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "workerDrain", map[string]any{"worker_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}

	panicsRecovered.WithLabelValues(goroutine).Inc()
	withFields(logger.Error(), fields).
		Str("goroutine", goroutine).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack())).
		Msg("Goroutine panic recovered")
}
