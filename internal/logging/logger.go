// Package logging builds the zerolog logger shared by the server components.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stdout. Development environments get the
// human-readable console writer; everything else logs JSON lines.
func New(env, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, env, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, env, level string) zerolog.Logger {
	out := w
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
