// Package logging wires the module onto zerolog, the way ManuGH-xg2g sets
// up its root logger: a console writer for interactive use, structured JSON
// otherwise, with per-component/per-stream sub-loggers handed to callers
// rather than a single global logger instance.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	// Pretty selects the human-readable console writer. Production
	// deployments should leave this false for JSON output.
	Pretty bool
	Level  zerolog.Level
	Output io.Writer
}

// New builds the root logger. Component/Stream below derive tagged
// sub-loggers from it; the components in this module call With() on the
// logger they are given instead.
func New(opts Options) zerolog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	w := opts.Output
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: opts.Output, TimeFormat: time.RFC3339}
	}
	lvl := opts.Level
	if lvl == 0 {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with the owning component, e.g.
// "ingest", "hlsseg", "recording", "detect", "clip", "onvifdisco".
func Component(root zerolog.Logger, component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// Stream further tags a component logger with the stream name it is acting
// on, so every log line in a multi-stream process can be filtered per camera.
func Stream(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("stream", name).Logger()
}

// FFmpegLevel maps an external process's textual log level (as produced by
// ffmpeg's -loglevel names) onto a zerolog.Level, modeled on the
// other_examples SentryShot recorder's log.FFmpegLevel helper, used when
// piping a subprocess's stderr into our structured logger.
func FFmpegLevel(name string) zerolog.Level {
	switch name {
	case "quiet", "panic":
		return zerolog.Disabled
	case "fatal":
		return zerolog.FatalLevel
	case "error":
		return zerolog.ErrorLevel
	case "warning":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "verbose", "debug":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
