// Package logging constructs the root zerolog logger. Components receive
// their logger explicitly; there is no package-global to mutate.
package logging

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. level is a zerolog level name ("trace",
// "debug", "info", "warn", "error"); format is "console" for human output
// or "json" for raw structured lines.
func New(level, format string) (zerolog.Logger, error) {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter is New with an explicit destination, used by tests.
func NewWriter(out io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, err
	}
	var base zerolog.Logger
	switch strings.ToLower(format) {
	case "json":
		base = zerolog.New(out)
	case "console", "":
		base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	default:
		return zerolog.Logger{}, errors.New("unsupported log format: " + format)
	}
	return base.With().Timestamp().Logger().Level(lvl), nil
}
