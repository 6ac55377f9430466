package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It is usable before Init (stderr,
// info level) so package initialisers and tests can log without setup;
// Init replaces it with the configured instance.
var Logger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()

// Config holds logging configuration. Level is a zerolog level name
// ("debug", "info", "warn", "error"); unknown names fall back to info.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the process-wide logger. The level is applied per-logger
// rather than globally, so child loggers created afterwards inherit it.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the runtime component
// (scheduler, reactor, rpc-client, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker returns a child logger tagged with a scheduler worker.
func WithWorker(scheduler string, worker int) zerolog.Logger {
	return Logger.With().Str("scheduler", scheduler).Int("worker", worker).Logger()
}

// WithStreamID returns a child logger tagged with an RPC stream id.
func WithStreamID(streamID string) zerolog.Logger {
	return Logger.With().Str("stream_id", streamID).Logger()
}

// WithServerID returns a child logger tagged with a server instance id.
func WithServerID(serverID string) zerolog.Logger {
	return Logger.With().Str("server_id", serverID).Logger()
}

// Info logs at info level on the process-wide logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Warn logs at warn level on the process-wide logger.
func Warn(msg string) { Logger.Warn().Msg(msg) }

// Error logs err at error level on the process-wide logger.
func Error(msg string, err error) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs at fatal level and exits; the runtime's contract-violation
// path ends here.
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
