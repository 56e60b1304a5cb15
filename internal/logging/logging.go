// Package logging builds the process-wide zerolog.Logger. There is no
// package-level logger variable: every component constructor takes one
// explicitly.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at the given level ("debug", "info", "warn",
// "error"), pretty-printed to stderr when pretty is true, JSON otherwise.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
}
