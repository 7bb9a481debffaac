// Package logging builds the zerolog loggers used by every courier component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the process-wide minimum level. The daemon calls it on
// config reload.
func SetLevel(s string) zerolog.Level {
	lvl := ParseLevel(s)
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// New returns a logger for app. Console output is used when w is a terminal
// or console is set, JSON lines otherwise.
func New(app string, w io.Writer, level string, console bool) zerolog.Logger {
	out := w
	if console {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().Timestamp().Str("app", app).
		Logger()
}

// NewConsole is the CLI logger: human readable on stderr.
func NewConsole(app, level string) zerolog.Logger {
	return New(app, os.Stderr, level, true)
}

// OpenFile opens (append) <dir>/logs/<name>.log, creating the directory.
func OpenFile(dir, name string) (*os.File, error) {
	logPath := filepath.Join(dir, "logs", name+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", name, err)
	}
	return f, nil
}

// Component derives a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
