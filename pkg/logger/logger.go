package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger.
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// Configure replaces Log. Call it once settings from .env are loaded.
func Configure(env, level string) {
	Log = New(env, level)
}

// New builds a logger: JSON to stdout in production, console output to stderr
// everywhere else. An unparsable level falls back to info.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env != "production" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child of Log tagged with the component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
