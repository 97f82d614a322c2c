// Package logging provides structured logging for the CLI and the watch daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const consoleTimeFormat = "15:04:05"

type mode int

const (
	modeCLI mode = iota
	modeDaemon
	modeNop
)

// Logger wraps a zerolog logger and remembers where it writes.
type Logger struct {
	zlog   zerolog.Logger
	mode   mode
	output io.Writer
}

func console(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}).
		With().Timestamp().Logger()
}

// NewDefaultCLILogger returns a console logger on stderr. Stdout is left to
// command output.
func NewDefaultCLILogger() *Logger {
	return &Logger{zlog: console(os.Stderr), mode: modeCLI, output: os.Stderr}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop(), mode: modeNop, output: io.Discard}
}

// FromZerolog wraps an already configured zerolog logger writing to output.
func FromZerolog(zl zerolog.Logger, output io.Writer) *Logger {
	return &Logger{zlog: zl, mode: modeDaemon, output: output}
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("component", component).Logger(),
		mode:   l.mode,
		output: l.output,
	}
}

// SetOutput sends console output to w. A nop logger stays silent.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	if l.mode != modeNop {
		l.zlog = console(w)
	}
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// SetGlobalLevel sets the level below which all loggers stay silent.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a config or flag value to a zerolog level. An empty string
// means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug", "verbose":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = console(os.Stderr)
}
