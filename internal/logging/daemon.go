package logging

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rescale/thumblink/internal/constants"
)

// DaemonLogConfig configures the watch daemon logger.
type DaemonLogConfig struct {
	// LogFile is the path to write logs (empty = no file logging)
	LogFile string

	// Console enables console output
	Console bool

	// ConsoleOut overrides the console destination (default: stdout)
	ConsoleOut io.Writer
}

// DaemonLogWriter sends every zerolog entry to the console and to a rotated
// log file.
type DaemonLogWriter struct {
	mu          sync.RWMutex
	console     io.Writer
	file        io.WriteCloser
	fileEnabled bool
}

// NewDaemonLogWriter creates a new daemon log writer.
func NewDaemonLogWriter(cfg DaemonLogConfig) *DaemonLogWriter {
	w := &DaemonLogWriter{}

	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		w.console = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	if cfg.LogFile != "" {
		w.file = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    constants.LogFileMaxSizeMB,
			MaxBackups: constants.LogFileMaxBackups,
			MaxAge:     constants.LogFileMaxAgeDays,
			Compress:   true,
		}
		w.fileEnabled = true
	}

	return w
}

// Write implements io.Writer for zerolog. p is one JSON log entry.
func (w *DaemonLogWriter) Write(p []byte) (n int, err error) {
	n = len(p)

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.console != nil {
		w.console.Write(p)
	}

	if w.fileEnabled && w.file != nil {
		w.file.Write(formatFileEntry(p, time.Now()))
	}

	return n, nil
}

// formatFileEntry renders a JSON entry as
// "2006-01-02 15:04:05.000 [level] component: message key=value ...".
func formatFileEntry(p []byte, now time.Time) []byte {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return append([]byte(now.Format("2006-01-02 15:04:05.000")+" [info] daemon: "), p...)
	}

	str := func(key, def string) string {
		v, ok := fields[key].(string)
		delete(fields, key)
		if !ok || v == "" {
			return def
		}
		return v
	}

	level := str(zerolog.LevelFieldName, "info")
	component := str("component", "daemon")
	msg := str(zerolog.MessageFieldName, "")
	delete(fields, zerolog.TimestampFieldName)

	var b strings.Builder
	b.WriteString(now.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(component)
	b.WriteString(": ")
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(fields[k])
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
	}
	b.WriteByte('\n')

	return []byte(b.String())
}

// Close closes the file logger if open.
func (w *DaemonLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// SetFileLogging enables or disables file logging.
func (w *DaemonLogWriter) SetFileLogging(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fileEnabled = enabled
}

// NewDaemonLogger creates a logger for the watch daemon.
// Close the returned writer on shutdown.
func NewDaemonLogger(cfg DaemonLogConfig) (*Logger, *DaemonLogWriter) {
	writer := NewDaemonLogWriter(cfg)
	zl := zerolog.New(writer).With().Timestamp().Logger()
	return FromZerolog(zl, writer), writer
}
