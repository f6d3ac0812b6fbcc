// Package logging builds the root zerolog logger
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a timestamped logger writing to w. format is "json" or
// "console" (human readable).
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: failed to parse log level of %s: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", format)
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}

type levelWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	w.logger.WithLevel(w.level).Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

// StdLogger adapts logger for libraries that log through the standard
// library logger interface
func StdLogger(logger zerolog.Logger, level zerolog.Level) *stdlog.Logger {
	return stdlog.New(levelWriter{logger: logger, level: level}, "", 0)
}
